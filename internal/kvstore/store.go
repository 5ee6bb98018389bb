// Package kvstore wraps the embedded bolt database holding the durable
// tables: content_length (basename -> total bytes), mirrors_status (scoring
// results) and ipv4_support/ipv6_support (host reachability probes). All
// writes go through a single *bolt.DB handle, which serializes them.
package kvstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketContentLength = []byte("content_length")
	bucketMirrorsStatus = []byte("mirrors_status")
	bucketIPv4Support   = []byte("ipv4_support")
	bucketIPv6Support   = []byte("ipv6_support")
)

var flagKey = []byte("supported")

// Store 持有嵌入式数据库句柄，供各组件共享。
type Store struct {
	db *bolt.DB
}

// Open 打开（必要时创建）数据库文件，并保证所有表存在。
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("database path required")
	}

	db, err := bolt.Open(path, 0o644, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("打开数据库失败: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{
			bucketContentLength,
			bucketMirrorsStatus,
			bucketIPv4Support,
			bucketIPv6Support,
		} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("初始化数据表失败: %w", err)
	}

	return &Store{db: db}, nil
}

// Close 关闭底层数据库。
func (s *Store) Close() error {
	return s.db.Close()
}

// ContentLength 按包文件名查询已知的总长度。条目一旦写入即视为权威，
// 不做再验证，也永不删除。
func (s *Store) ContentLength(basename string) (int64, bool) {
	var (
		size  int64
		found bool
	)
	_ = s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketContentLength).Get([]byte(basename))
		if raw == nil {
			return nil
		}
		parsed, err := strconv.ParseInt(string(raw), 10, 64)
		if err != nil {
			return nil
		}
		size = parsed
		found = true
		return nil
	})
	return size, found
}

// PutContentLength 记录包文件名对应的总长度。
func (s *Store) PutContentLength(basename string, size int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		value := strconv.FormatInt(size, 10)
		return tx.Bucket(bucketContentLength).Put([]byte(basename), []byte(value))
	})
}

// MirrorScores 返回上一次评分的结果；数据库为空时返回 nil。
func (s *Store) MirrorScores() map[string]float64 {
	var scores map[string]float64
	_ = s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketMirrorsStatus).Get([]byte("scores"))
		if raw == nil {
			return nil
		}
		var decoded map[string]float64
		if err := json.Unmarshal(raw, &decoded); err != nil {
			return nil
		}
		scores = decoded
		return nil
	})
	return scores
}

// PutMirrorScores 持久化评分结果，重启后可以在首轮评分前复用。
func (s *Store) PutMirrorScores(scores map[string]float64) error {
	raw, err := json.Marshal(scores)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMirrorsStatus).Put([]byte("scores"), raw)
	})
}

// IPv4Supported 返回主机 IPv4 可达性的探测结果。
func (s *Store) IPv4Supported() (bool, bool) {
	return s.flag(bucketIPv4Support)
}

// SetIPv4Supported 记录主机 IPv4 可达性。
func (s *Store) SetIPv4Supported(supported bool) error {
	return s.setFlag(bucketIPv4Support, supported)
}

// IPv6Supported 返回主机 IPv6 可达性的探测结果。
func (s *Store) IPv6Supported() (bool, bool) {
	return s.flag(bucketIPv6Support)
}

// SetIPv6Supported 记录主机 IPv6 可达性。
func (s *Store) SetIPv6Supported(supported bool) error {
	return s.setFlag(bucketIPv6Support, supported)
}

func (s *Store) flag(bucket []byte) (bool, bool) {
	var (
		value bool
		found bool
	)
	_ = s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucket).Get(flagKey)
		if raw == nil {
			return nil
		}
		value = string(raw) == "true"
		found = true
		return nil
	})
	return value, found
}

func (s *Store) setFlag(bucket []byte, value bool) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Put(flagKey, []byte(strconv.FormatBool(value)))
	})
}

package mirror

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/cpcache/cpcache/internal/config"
	"github.com/cpcache/cpcache/internal/kvstore"
)

// probeFunc 对单个镜像执行一次计时探测，返回耗时。注入以便测试。
type probeFunc func(ctx context.Context, baseURL string) (time.Duration, error)

// autoSelector 周期性评分候选镜像，保留得分不超过 max_score 的幸存者，
// 按得分升序排列。评分结果持久化，重启后在首轮评分前复用。
type autoSelector struct {
	cfg        config.MirrorsAutoConfig
	candidates []string
	kv         *kvstore.Store
	logger     *logrus.Logger
	probe      probeFunc

	mu     sync.Mutex
	ranked []string
}

// NewAuto 构建 auto 模式的选择器。数据库中已有的评分立即生效。
func NewAuto(cfg config.MirrorsAutoConfig, candidates []string, kv *kvstore.Store, logger *logrus.Logger) Selector {
	a := &autoSelector{
		cfg:        cfg,
		candidates: candidates,
		kv:         kv,
		logger:     logger,
	}
	a.probe = a.httpProbe

	if scores := kv.MirrorScores(); scores != nil {
		a.ranked = rankByScore(filterScores(scores, cfg.MaxScore))
	}
	return a
}

func (a *autoSelector) GetAll() []string {
	a.mu.Lock()
	defer a.mu.Unlock()

	if len(a.ranked) == 0 {
		return append([]string(nil), a.candidates...)
	}
	return append([]string(nil), a.ranked...)
}

// Run 先立即评分一轮，然后按 test_interval 周期重评，直到 ctx 结束。
func (a *autoSelector) Run(ctx context.Context) {
	a.rescore(ctx)

	ticker := time.NewTicker(a.cfg.TestInterval.DurationValue())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.rescore(ctx)
		}
	}
}

// rescore 并发探测所有候选镜像并更新排序。
func (a *autoSelector) rescore(ctx context.Context) {
	scores := make(map[string]float64, len(a.candidates))
	var mu sync.Mutex

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(8)

	for _, candidate := range a.candidates {
		if a.cfg.HTTPSRequired && !strings.HasPrefix(candidate, "https://") {
			continue
		}
		mirror := candidate
		group.Go(func() error {
			probeCtx, cancel := context.WithTimeout(groupCtx, a.cfg.Timeout.DurationValue())
			defer cancel()

			elapsed, err := a.probe(probeCtx, mirror)
			if err != nil {
				a.logger.WithFields(logrus.Fields{
					"action": "mirror_probe",
					"mirror": mirror,
					"error":  err.Error(),
				}).Debug("mirror unreachable")
				return nil
			}
			mu.Lock()
			scores[mirror] = elapsed.Seconds()
			mu.Unlock()
			return nil
		})
	}
	_ = group.Wait()

	if ctx.Err() != nil {
		return
	}

	survivors := filterScores(scores, a.cfg.MaxScore)
	ranked := rankByScore(survivors)

	a.mu.Lock()
	a.ranked = ranked
	a.mu.Unlock()

	if err := a.kv.PutMirrorScores(survivors); err != nil {
		a.logger.WithFields(logrus.Fields{
			"action": "mirror_scores_persist",
			"error":  err.Error(),
		}).Warn("failed to persist mirror scores")
	}

	a.logger.WithFields(logrus.Fields{
		"action":    "mirror_rescore",
		"probed":    len(a.candidates),
		"survivors": len(ranked),
	}).Info("mirror ranking updated")
}

// httpProbe 计时请求镜像的 lastupdate 文件，同时覆盖可用性与延迟。
func (a *autoSelector) httpProbe(ctx context.Context, baseURL string) (time.Duration, error) {
	client := &http.Client{Transport: a.transport()}

	target := strings.TrimSuffix(baseURL, "/") + "/lastupdate"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return 0, err
	}

	started := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, &url.Error{Op: "Get", URL: target, Err: errUnexpectedStatus(resp.StatusCode)}
	}
	return time.Since(started), nil
}

// transport 根据 ipv4/ipv6 配置限制探测使用的地址族。
func (a *autoSelector) transport() *http.Transport {
	network := "tcp"
	switch {
	case a.cfg.IPv4 && !a.cfg.IPv6:
		network = "tcp4"
	case a.cfg.IPv6 && !a.cfg.IPv4:
		network = "tcp6"
	}

	dialer := &net.Dialer{Timeout: 10 * time.Second}
	return &http.Transport{
		DialContext: func(ctx context.Context, _, addr string) (net.Conn, error) {
			return dialer.DialContext(ctx, network, addr)
		},
	}
}

func filterScores(scores map[string]float64, maxScore float64) map[string]float64 {
	result := make(map[string]float64, len(scores))
	for mirror, score := range scores {
		if maxScore > 0 && score > maxScore {
			continue
		}
		result[mirror] = score
	}
	return result
}

func rankByScore(scores map[string]float64) []string {
	ranked := make([]string, 0, len(scores))
	for mirror := range scores {
		ranked = append(ranked, mirror)
	}
	sort.Slice(ranked, func(i, j int) bool {
		if scores[ranked[i]] != scores[ranked[j]] {
			return scores[ranked[i]] < scores[ranked[j]]
		}
		return ranked[i] < ranked[j]
	})
	return ranked
}

type errUnexpectedStatus int

func (e errUnexpectedStatus) Error() string {
	return fmt.Sprintf("unexpected status %d", int(e))
}

package explore

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/sphh12/appium-public/internal/domain"
	"github.com/sphh12/appium-public/internal/retry"
	"github.com/sphh12/appium-public/internal/screen"
)

const (
	scrollDurationMs   = 800
	carouselDurationMs = 500
)

// scrollCapture 向下滚动并保存新出现的内容，直到没有新文本或达到上限，最后滚回原位
func (c *Controller) scrollCapture(ctx context.Context, name string, verify bool) error {
	w, h, err := c.p.WindowSize(ctx)
	if err != nil {
		if fatal(ctx, err) {
			return err
		}
		c.logger.WithError(err).Warn("Window size unavailable, scroll skipped")
		return nil
	}
	before, err := c.take(ctx)
	if err != nil {
		if fatal(ctx, err) {
			return err
		}
		return nil
	}

	limit := c.plan.Limits.MaxScrolls
	if limit <= 0 {
		limit = 5
	}
	seen := screen.Labels(before)
	scrolls := 0

	for scrolls < limit {
		// 手指从 70% 移到 30%，内容向下滚动
		if err := c.p.Swipe(ctx, w/2, h*70/100, w/2, h*30/100, scrollDurationMs); err != nil {
			if fatal(ctx, err) {
				return err
			}
			break
		}
		scrolls++
		retry.Sleep(ctx, c.plan.Timing.Settle)

		snap, err := c.take(ctx)
		if err != nil {
			if fatal(ctx, err) {
				return err
			}
			break
		}
		fresh := 0
		for label := range screen.Labels(snap) {
			if _, ok := seen[label]; !ok {
				seen[label] = struct{}{}
				fresh++
			}
		}
		if fresh == 0 {
			c.logger.WithFields(logrus.Fields{"screen": name, "scrolls": scrolls}).Debug("No new content after scroll")
			break
		}

		suffix := "_scrolled"
		if scrolls > 1 {
			suffix = fmt.Sprintf("_scrolled_%d", scrolls)
		}
		if _, err := c.store.Save(ctx, c.p, name+suffix, verify); err != nil {
			if fatal(ctx, err) {
				return err
			}
			c.logger.WithError(err).WithField("screen", name+suffix).Warn("Capture failed")
		}
	}

	if scrolls == limit {
		c.logger.WithFields(logrus.Fields{"screen": name, "limit": limit}).Info("Scroll limit reached")
	}

	for i := 0; i < scrolls; i++ {
		if err := c.p.Swipe(ctx, w/2, h*30/100, w/2, h*70/100, scrollDurationMs); err != nil {
			if fatal(ctx, err) {
				return err
			}
			break
		}
		retry.Sleep(ctx, c.plan.Timing.Settle/2)
	}
	return nil
}

// subTabGroups 每个 Tab 容器内的文本标签（按文档顺序去重）
func (c *Controller) subTabGroups(snap *domain.Snapshot) [][]string {
	cfg := c.plan.SubTabs
	label := screen.AllOf(screen.Class(c.labelClass()), func(n *domain.Node) bool {
		return strings.TrimSpace(n.Text) != ""
	})

	var groups [][]string
	for _, class := range cfg.Containers {
		for _, container := range screen.Class(class).FindAll(snap) {
			seen := make(map[string]bool)
			var labels []string
			for _, n := range label.FindAllIn(container.Children) {
				text := strings.TrimSpace(n.Text)
				if !seen[text] {
					seen[text] = true
					labels = append(labels, text)
				}
			}
			if len(labels) > 1 {
				groups = append(groups, labels)
			}
		}
	}
	return groups
}

// captureSubTabs 依次点击页面内的子 Tab 并保存
func (c *Controller) captureSubTabs(ctx context.Context, parent domain.Destination, prefix string) error {
	snap, err := c.take(ctx)
	if err != nil {
		if fatal(ctx, err) {
			return err
		}
		return nil
	}

	parentName := parent.Name
	if parent.Parent != "" {
		parentName = parent.Parent + "/" + parent.Name
	}

	for _, labels := range c.subTabGroups(snap) {
		if c.plan.SubTabs.SkipFirst {
			labels = labels[1:]
		}
		for _, text := range labels {
			if err := ctx.Err(); err != nil {
				return err
			}
			if c.plan.Excluded(text) {
				continue
			}
			dest := domain.Destination{Name: text, Parent: parentName, Kind: domain.KindSubTab}
			if c.visits.Visited(dest.Key()) {
				continue
			}

			// 每次点击前重新查找，节点不跨操作保留
			current, err := c.take(ctx)
			if err != nil {
				if fatal(ctx, err) {
					return err
				}
				continue
			}
			n, ok := c.findSubTab(current, text)
			if !ok {
				c.fail(dest.Key(), domain.FailureTypeNavigation, fmt.Errorf("sub tab %q disappeared", text))
				continue
			}
			if err := screen.Tap(ctx, c.p, n); err != nil {
				if fatal(ctx, err) {
					return err
				}
				c.fail(dest.Key(), domain.FailureTypeNavigation, err)
				continue
			}
			retry.Sleep(ctx, c.plan.Timing.Settle)

			c.logger.WithFields(logrus.Fields{"parent": parentName, "tab": text}).Info("Sub tab")
			art, err := c.store.Save(ctx, c.p, prefix+"_"+text, true)
			if err != nil {
				if fatal(ctx, err) {
					return err
				}
				c.logger.WithError(err).Warn("Capture failed")
			}
			if art != nil {
				c.visits.Mark(dest.Key())
			}
		}
	}
	return nil
}

func (c *Controller) findSubTab(snap *domain.Snapshot, text string) (*domain.Node, bool) {
	m := screen.AllOf(screen.Class(c.labelClass()), func(n *domain.Node) bool {
		return strings.TrimSpace(n.Text) == text
	})
	for _, class := range c.plan.SubTabs.Containers {
		for _, container := range screen.Class(class).FindAll(snap) {
			if n, ok := m.FindIn(container.Children); ok {
				return n, true
			}
		}
	}
	return nil, false
}

func (c *Controller) labelClass() string {
	if c.plan.SubTabs.LabelClass == "" {
		return "TextView"
	}
	return c.plan.SubTabs.LabelClass
}

// carouselPages 页数：指示器子节点数，没有指示器时用默认值
func (c *Controller) carouselPages(snap *domain.Snapshot) int {
	cfg := c.plan.Carousel
	pages := cfg.DefaultPages
	for _, l := range cfg.Indicators {
		if n, ok := screen.Locate(l).Find(snap); ok && len(n.Children) > 0 {
			pages = len(n.Children)
			break
		}
	}
	if cfg.MaxPages > 0 && pages > cfg.MaxPages {
		pages = cfg.MaxPages
	}
	return pages
}

// captureCarousel 向前滑动 N-1 次逐页保存，再向后滑动同样次数
func (c *Controller) captureCarousel(ctx context.Context, parent domain.Destination, prefix string) error {
	snap, err := c.take(ctx)
	if err != nil {
		if fatal(ctx, err) {
			return err
		}
		return nil
	}

	var pager *domain.Node
	for _, l := range c.plan.Carousel.Pagers {
		if n, ok := screen.Locate(l).Find(snap); ok && !n.Bounds.IsEmpty() {
			pager = n
			break
		}
	}
	if pager == nil {
		c.logger.WithField("screen", prefix).Debug("No carousel found")
		return nil
	}
	pages := c.carouselPages(snap)
	if pages < 2 {
		return nil
	}

	b := pager.Bounds
	_, y := b.Center()
	right := b.Left + b.Width()*80/100
	left := b.Left + b.Width()*20/100

	moved := 0
	for page := 2; page <= pages; page++ {
		if err := c.p.Swipe(ctx, right, y, left, y, carouselDurationMs); err != nil {
			if fatal(ctx, err) {
				return err
			}
			break
		}
		moved++
		retry.Sleep(ctx, c.plan.Timing.Settle)

		dest := domain.Destination{Name: fmt.Sprintf("page_%d", page), Parent: parent.Name, Kind: domain.KindCarouselPage}
		if c.visits.Visited(dest.Key()) {
			continue
		}
		art, err := c.store.Save(ctx, c.p, fmt.Sprintf("%s_carousel_%d", prefix, page), true)
		if err != nil {
			if fatal(ctx, err) {
				return err
			}
			c.logger.WithError(err).Warn("Capture failed")
		}
		if art != nil {
			c.visits.Mark(dest.Key())
		}
	}

	for i := 0; i < moved; i++ {
		if err := c.p.Swipe(ctx, left, y, right, y, carouselDurationMs); err != nil {
			if fatal(ctx, err) {
				return err
			}
			break
		}
		retry.Sleep(ctx, c.plan.Timing.Settle/2)
	}
	c.logger.WithFields(logrus.Fields{"screen": prefix, "pages": pages}).Info("Carousel captured")
	return nil
}

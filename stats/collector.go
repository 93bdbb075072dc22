// Package stats exports allocator statistics.
package stats

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shenjiangwei/kalloc/kalloc"
	"github.com/shenjiangwei/kalloc/tagalloc"
)

// Namespace prefixes every metric name
const Namespace = "kalloc"

var (
	largeInUse = prometheus.NewDesc(
		prometheus.BuildFQName(Namespace, "large", "inuse"),
		"Number of live large allocations.", nil, nil)
	largeBytes = prometheus.NewDesc(
		prometheus.BuildFQName(Namespace, "large", "bytes"),
		"Bytes held by live large allocations.", nil, nil)
	largePeakBytes = prometheus.NewDesc(
		prometheus.BuildFQName(Namespace, "large", "peak_bytes"),
		"Peak bytes held by large allocations.", nil, nil)
	largeMeanBytes = prometheus.NewDesc(
		prometheus.BuildFQName(Namespace, "large", "mean_element_bytes"),
		"Mean size of live large allocations.", nil, nil)
	largeCumulativeBytes = prometheus.NewDesc(
		prometheus.BuildFQName(Namespace, "large", "cumulative_bytes"),
		"Bytes ever allocated on the large path.", nil, nil)
	freeNop = prometheus.NewDesc(
		prometheus.BuildFQName(Namespace, "", "free_nop_total"),
		"Large frees ignored because of an implausible size.", nil, nil)

	zoneInUse = prometheus.NewDesc(
		prometheus.BuildFQName(Namespace, "zone", "elements_inuse"),
		"Elements in use per zone.", []string{"zone"}, nil)
	zoneCurBytes = prometheus.NewDesc(
		prometheus.BuildFQName(Namespace, "zone", "cur_bytes"),
		"Bytes a zone took from the kernel map.", []string{"zone"}, nil)
	zoneMaxBytes = prometheus.NewDesc(
		prometheus.BuildFQName(Namespace, "zone", "max_bytes"),
		"Bytes a zone may grow to.", []string{"zone"}, nil)
	zoneAllocTotal = prometheus.NewDesc(
		prometheus.BuildFQName(Namespace, "zone", "alloc_total"),
		"Elements ever allocated per zone.", []string{"zone"}, nil)

	tags = prometheus.NewDesc(
		prometheus.BuildFQName(Namespace, "", "tags"),
		"Number of linked allocation tags.", nil, nil)
	tagRefs = prometheus.NewDesc(
		prometheus.BuildFQName(Namespace, "tag", "refs"),
		"References held on each linked tag.", []string{"tag"}, nil)
)

// Collector reads allocator state at scrape time
type Collector struct {
	alloc    *kalloc.Allocator
	registry *tagalloc.Registry
}

// NewCollector creates a collector. r may be nil.
func NewCollector(a *kalloc.Allocator, r *tagalloc.Registry) *Collector {
	return &Collector{alloc: a, registry: r}
}

// Describe implements prometheus.Collector
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		largeInUse, largeBytes, largePeakBytes, largeMeanBytes, largeCumulativeBytes, freeNop,
		zoneInUse, zoneCurBytes, zoneMaxBytes, zoneAllocTotal,
	} {
		ch <- d
	}
	if c.registry != nil {
		ch <- tags
		ch <- tagRefs
	}
}

// Collect implements prometheus.Collector
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	info := c.alloc.FakeZoneInfo()
	ch <- prometheus.MustNewConstMetric(largeInUse, prometheus.GaugeValue, float64(info.Count))
	ch <- prometheus.MustNewConstMetric(largeBytes, prometheus.GaugeValue, float64(info.CurSize))
	ch <- prometheus.MustNewConstMetric(largePeakBytes, prometheus.GaugeValue, float64(info.MaxSize))
	ch <- prometheus.MustNewConstMetric(largeMeanBytes, prometheus.GaugeValue, float64(info.ElemSize))
	ch <- prometheus.MustNewConstMetric(largeCumulativeBytes, prometheus.CounterValue, float64(info.SumSize))
	ch <- prometheus.MustNewConstMetric(freeNop, prometheus.CounterValue, float64(c.alloc.FreeNopCount()))

	for _, z := range c.alloc.Zones() {
		zi := z.Info()
		ch <- prometheus.MustNewConstMetric(zoneInUse, prometheus.GaugeValue, float64(zi.CountInUse), zi.Name)
		ch <- prometheus.MustNewConstMetric(zoneCurBytes, prometheus.GaugeValue, float64(zi.CurSize), zi.Name)
		ch <- prometheus.MustNewConstMetric(zoneMaxBytes, prometheus.GaugeValue, float64(zi.MaxSize), zi.Name)
		ch <- prometheus.MustNewConstMetric(zoneAllocTotal, prometheus.CounterValue, float64(zi.SumCount), zi.Name)
	}

	if c.registry != nil {
		ch <- prometheus.MustNewConstMetric(tags, prometheus.GaugeValue, float64(c.registry.Len()))
		// Names may repeat
		refs := make(map[string]int32)
		c.registry.Each(func(t *tagalloc.Tag) {
			refs[t.Name()] += t.Refs()
		})
		for name, n := range refs {
			ch <- prometheus.MustNewConstMetric(tagRefs, prometheus.GaugeValue, float64(n), name)
		}
	}
}

// Register registers a collector for a with reg and gives the large path
// the statistics slot following the real zones.
func Register(reg prometheus.Registerer, a *kalloc.Allocator, r *tagalloc.Registry) (*Collector, error) {
	c := NewCollector(a, r)
	if err := reg.Register(c); err != nil {
		return nil, err
	}
	a.SetFakeZoneIndex(len(a.Zones()))
	return c, nil
}

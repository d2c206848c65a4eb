// Package slots implements hash slot arithmetic: the even partition of the slot
// space between primaries and compression of slot sets into contiguous ranges.
package slots

import (
	"fmt"
	"sort"

	n "github.com/garnet-k8s/garnet-operator/internal/naming"
)

// Range is an inclusive run of slots.
type Range struct {
	Min int
	Max int
}

func (r Range) Contains(slot int) bool {
	return slot >= r.Min && slot <= r.Max
}

func (r Range) Width() int {
	return r.Max - r.Min + 1
}

func (r Range) String() string {
	return fmt.Sprintf("[%d,%d]", r.Min, r.Max)
}

// Pair returns the range as a flat [min,max] slice as stored on a node.
func (r Range) Pair() []int {
	return []int{r.Min, r.Max}
}

// TargetRanges splits the slot space into count contiguous ranges of equal
// width, the last range absorbing the remainder.
func TargetRanges(count int) []Range {
	return Partition(n.TotalSlots, count)
}

// Partition splits [0,total-1] into count contiguous ranges.
func Partition(total, count int) []Range {
	if count <= 0 || total <= 0 {
		return nil
	}
	if count > total {
		count = total
	}
	width := total / count
	ranges := make([]Range, count)
	for i := 0; i < count; i++ {
		ranges[i] = Range{Min: i * width, Max: (i+1)*width - 1}
	}
	ranges[count-1].Max = total - 1
	return ranges
}

// Compress turns a set of slots into the minimal list of contiguous ranges in ascending order.
func Compress(set map[int]struct{}) []Range {
	list := make([]int, 0, len(set))
	for s := range set {
		list = append(list, s)
	}
	return CompressList(list)
}

// CompressList is Compress for a slice that may be unsorted and contain duplicates.
func CompressList(list []int) []Range {
	if len(list) == 0 {
		return nil
	}
	sorted := append([]int(nil), list...)
	sort.Ints(sorted)

	ranges := []Range{{Min: sorted[0], Max: sorted[0]}}
	for _, s := range sorted[1:] {
		last := &ranges[len(ranges)-1]
		switch {
		case s == last.Max:
		case s == last.Max+1:
			last.Max = s
		default:
			ranges = append(ranges, Range{Min: s, Max: s})
		}
	}
	return ranges
}

// Flatten encodes ranges as consecutive [min,max] pairs.
func Flatten(ranges []Range) []int {
	result := make([]int, 0, 2*len(ranges))
	for _, r := range ranges {
		result = append(result, r.Min, r.Max)
	}
	return result
}

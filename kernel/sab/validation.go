package sab

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// Validator tracks the named regions of a link and checks accesses
// against them. Violations are kept for diagnostics.
type Validator struct {
	mu         sync.RWMutex
	regions    []MemoryRegion
	size       uint32
	vmu        sync.Mutex
	violations []ValidationViolation
}

// ValidationViolation records a rejected access.
type ValidationViolation struct {
	Type      string
	Message   string
	Offset    uint32
	Size      uint32
	Timestamp int64
}

// RegionOverlap describes two overlapping regions.
type RegionOverlap struct {
	Region1 string
	Region2 string
	Start   uint32
	End     uint32
}

func NewValidator(size uint32) *Validator {
	return &Validator{size: size}
}

// NewLayoutValidator returns a validator preloaded with a layout's regions.
func NewLayoutValidator(l *Layout) *Validator {
	v := NewValidator(l.spec.RegionSize)
	v.regions = l.Regions()
	return v
}

// RegisterRegion adds a region, rejecting out-of-bounds or overlapping ones.
func (v *Validator) RegisterRegion(r MemoryRegion) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if uint64(r.Offset)+uint64(r.Size) > uint64(v.size) {
		return fmt.Errorf("region %s exceeds link bounds", r.Name)
	}
	for _, existing := range v.regions {
		if regionsOverlap(r.Offset, r.Size, existing.Offset, existing.Size) {
			return fmt.Errorf("region %s overlaps with %s", r.Name, existing.Name)
		}
	}
	v.regions = append(v.regions, r)
	return nil
}

// ValidateAccess checks that [offset, offset+size) lies inside one region,
// and inside the named region when name is set.
func (v *Validator) ValidateAccess(offset, size uint32, name string) error {
	v.mu.RLock()
	defer v.mu.RUnlock()

	if uint64(offset)+uint64(size) > uint64(v.size) {
		return v.reject("OUT_OF_BOUNDS", offset, size,
			fmt.Sprintf("access at %d size %d exceeds link size %d", offset, size, v.size))
	}
	region := v.findRegion(offset)
	if region == nil {
		return v.reject("INVALID_REGION", offset, size,
			fmt.Sprintf("access at %d does not belong to any region", offset))
	}
	if uint64(offset)+uint64(size) > uint64(region.End()) {
		return v.reject("REGION_OVERFLOW", offset, size,
			fmt.Sprintf("access at %d size %d overflows region %s", offset, size, region.Name))
	}
	if name != "" && region.Name != name {
		return v.reject("WRONG_REGION", offset, size,
			fmt.Sprintf("access to %s but offset is in %s", name, region.Name))
	}
	return nil
}

// ValidateLayout reports the first pair of overlapping regions.
func (v *Validator) ValidateLayout() error {
	if overlaps := v.Overlaps(); len(overlaps) > 0 {
		return fmt.Errorf("regions %s and %s overlap", overlaps[0].Region1, overlaps[0].Region2)
	}
	return nil
}

func (v *Validator) Overlaps() []RegionOverlap {
	v.mu.RLock()
	defer v.mu.RUnlock()

	var out []RegionOverlap
	for i := 0; i < len(v.regions); i++ {
		for j := i + 1; j < len(v.regions); j++ {
			r1, r2 := v.regions[i], v.regions[j]
			if regionsOverlap(r1.Offset, r1.Size, r2.Offset, r2.Size) {
				out = append(out, RegionOverlap{
					Region1: r1.Name,
					Region2: r2.Name,
					Start:   max(r1.Offset, r2.Offset),
					End:     min(r1.End(), r2.End()),
				})
			}
		}
	}
	return out
}

func (v *Validator) Violations() []ValidationViolation {
	v.vmu.Lock()
	defer v.vmu.Unlock()
	out := make([]ValidationViolation, len(v.violations))
	copy(out, v.violations)
	return out
}

func (v *Validator) ClearViolations() {
	v.vmu.Lock()
	v.violations = nil
	v.vmu.Unlock()
}

func (v *Validator) RegionByName(name string) (MemoryRegion, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	for _, r := range v.regions {
		if r.Name == name {
			return r, nil
		}
	}
	return MemoryRegion{}, fmt.Errorf("region %s not found", name)
}

func (v *Validator) RegionByOffset(offset uint32) (MemoryRegion, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	r := v.findRegion(offset)
	if r == nil {
		return MemoryRegion{}, fmt.Errorf("no region contains offset %d", offset)
	}
	return *r, nil
}

// MemoryMap renders the regions as a table.
func (v *Validator) MemoryMap() string {
	v.mu.RLock()
	defer v.mu.RUnlock()

	var b strings.Builder
	fmt.Fprintf(&b, "Link Memory Map (Size: %d bytes / %.2f MB)\n", v.size, float64(v.size)/(1024*1024))
	b.WriteString("================================================================\n")
	for _, r := range v.regions {
		fmt.Fprintf(&b, "%-20s | 0x%06X - 0x%06X | %8d bytes | %s\n",
			r.Name, r.Offset, r.End(), r.Size, r.Purpose)
	}
	b.WriteString("================================================================\n")
	return b.String()
}

// must hold mu
func (v *Validator) findRegion(offset uint32) *MemoryRegion {
	for i := range v.regions {
		r := &v.regions[i]
		if offset >= r.Offset && offset < r.End() {
			return r
		}
	}
	return nil
}

func (v *Validator) reject(kind string, offset, size uint32, msg string) error {
	v.vmu.Lock()
	v.violations = append(v.violations, ValidationViolation{
		Type:      kind,
		Message:   msg,
		Offset:    offset,
		Size:      size,
		Timestamp: time.Now().UnixNano(),
	})
	v.vmu.Unlock()
	return fmt.Errorf("%s: %s", kind, msg)
}

func regionsOverlap(offset1, size1, offset2, size2 uint32) bool {
	return uint64(offset1) < uint64(offset2)+uint64(size2) && uint64(offset1)+uint64(size1) > uint64(offset2)
}

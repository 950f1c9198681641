package optim

import (
	"fmt"

	"github.com/samcharles93/gradbits/pkg/half"
	"github.com/samcharles93/gradbits/pkg/ops"
)

// Param is one trainable tensor registered with an Optimizer. Exactly one
// of Data32/Data16 is set; the matching grad slice has the same length.
// A nil grad means the param is skipped on the next Step.
type Param struct {
	Name string

	Data32 []float32
	Grad32 []float32

	Data16 []half.Float16
	Grad16 []half.Float16
}

func (p *Param) DType() ops.DType {
	if p.Data16 != nil {
		return ops.F16
	}
	return ops.F32
}

func (p *Param) Len() int {
	if p.Data16 != nil {
		return len(p.Data16)
	}
	return len(p.Data32)
}

// HasGrad reports whether a gradient of the param's width is attached.
func (p *Param) HasGrad() bool {
	if p.Data16 != nil {
		return p.Grad16 != nil
	}
	return p.Grad32 != nil
}

func (p *Param) validate() error {
	if p.Name == "" {
		return fmt.Errorf("param without a name")
	}
	if (p.Data32 != nil) == (p.Data16 != nil) {
		return fmt.Errorf("param %q: exactly one of Data32 and Data16 must be set", p.Name)
	}
	if p.Len() == 0 {
		return fmt.Errorf("param %q: empty tensor", p.Name)
	}
	if p.Data32 != nil {
		if p.Grad16 != nil {
			return fmt.Errorf("param %q: float32 data with float16 grad", p.Name)
		}
		if p.Grad32 != nil && len(p.Grad32) != len(p.Data32) {
			return fmt.Errorf("param %q: grad length %d, data length %d", p.Name, len(p.Grad32), len(p.Data32))
		}
		return nil
	}
	if p.Grad32 != nil {
		return fmt.Errorf("param %q: float16 data with float32 grad", p.Name)
	}
	if p.Grad16 != nil && len(p.Grad16) != len(p.Data16) {
		return fmt.Errorf("param %q: grad length %d, data length %d", p.Name, len(p.Grad16), len(p.Data16))
	}
	return nil
}

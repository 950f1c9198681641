package ops

import "math"

func sqrtf(x float32) float32 {
	return float32(math.Sqrt(float64(x)))
}

// biasCorrection returns 1 - beta^step.
func biasCorrection(beta float32, step int) float32 {
	return 1 - float32(math.Pow(float64(beta), float64(step)))
}

// unormScale turns the accumulated squared update norm into the final
// update multiplier: 1 while sqrt(unorm) stays within
// MaxUnorm*ParamNorm, the clipping ratio once it exceeds it.
func unormScale(unorm []float32, a OptimArgs) float32 {
	if a.MaxUnorm <= 0 {
		return 1
	}
	cur := sqrtf(unorm[0])
	limit := a.MaxUnorm * a.ParamNorm
	if cur > limit {
		return limit / cur
	}
	return 1
}

// precondition32Block computes the squared would-be update norm for one
// group without touching state. Learning rate is excluded; zero
// gradients are not special-cased here, only in the update phase.
func precondition32Block(kind Optimizer, g, s1, s2 []float32, a OptimArgs) float32 {
	var sum float32
	switch kind {
	case Adam:
		c1 := biasCorrection(a.Beta1, a.Step)
		c2 := biasCorrection(a.Beta2, a.Step)
		for i, gv := range g {
			gv *= a.GnormScale
			m1 := s1[i]*a.Beta1 + (1-a.Beta1)*gv
			m2 := s2[i]*a.Beta2 + (1-a.Beta2)*gv*gv
			u := (m1 / c1) / (sqrtf(m2/c2) + a.Eps)
			sum += u * u
		}
	case Momentum:
		for i, gv := range g {
			gv *= a.GnormScale
			m := s1[i]*a.Beta1 + gv
			if a.Step == 1 {
				m = gv
			}
			sum += m * m
		}
	case RMSProp:
		for i, gv := range g {
			gv *= a.GnormScale
			m := s1[i]*a.Beta1 + (1-a.Beta1)*gv*gv
			u := gv / (sqrtf(m) + a.Eps)
			sum += u * u
		}
	case Adagrad:
		for i, gv := range g {
			gv *= a.GnormScale
			m := s1[i] + gv*gv
			u := gv / (sqrtf(m) + a.Eps)
			sum += u * u
		}
	}
	return sum
}

// update32Block applies one group's state and parameter update in
// place. scale is the unorm clipping multiplier (1 when disabled).
// Adam uses decoupled weight decay; the 1-state kinds fold decay into
// the gradient.
func update32Block(kind Optimizer, g, p, s1, s2 []float32, scale float32, a OptimArgs) {
	lr := a.LR
	switch kind {
	case Adam:
		c1 := biasCorrection(a.Beta1, a.Step)
		c2 := biasCorrection(a.Beta2, a.Step)
		for i, gv := range g {
			if a.SkipZeros && gv == 0 {
				continue
			}
			gv *= a.GnormScale
			s1[i] = s1[i]*a.Beta1 + (1-a.Beta1)*gv
			s2[i] = s2[i]*a.Beta2 + (1-a.Beta2)*gv*gv
			if a.WeightDecay > 0 {
				p[i] *= 1 - lr*a.WeightDecay
			}
			p[i] -= scale * lr * (s1[i] / c1) / (sqrtf(s2[i]/c2) + a.Eps)
		}
	case Momentum:
		for i, gv := range g {
			if a.SkipZeros && gv == 0 {
				continue
			}
			gv *= a.GnormScale
			if a.WeightDecay > 0 {
				gv += p[i] * a.WeightDecay
			}
			if a.Step == 1 {
				s1[i] = gv
			} else {
				s1[i] = s1[i]*a.Beta1 + gv
			}
			p[i] -= scale * lr * s1[i]
		}
	case RMSProp:
		for i, gv := range g {
			if a.SkipZeros && gv == 0 {
				continue
			}
			gv *= a.GnormScale
			if a.WeightDecay > 0 {
				gv += p[i] * a.WeightDecay
			}
			s1[i] = s1[i]*a.Beta1 + (1-a.Beta1)*gv*gv
			p[i] -= scale * lr * gv / (sqrtf(s1[i]) + a.Eps)
		}
	case Adagrad:
		for i, gv := range g {
			if a.SkipZeros && gv == 0 {
				continue
			}
			gv *= a.GnormScale
			if a.WeightDecay > 0 {
				gv += p[i] * a.WeightDecay
			}
			s1[i] += gv * gv
			p[i] -= scale * lr * gv / (sqrtf(s1[i]) + a.Eps)
		}
	}
}

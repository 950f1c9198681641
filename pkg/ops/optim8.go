package ops

func abs32(x float32) float32 {
	if x < 0 {
		return -x
	}
	return x
}

// precondition8Block recomputes one group's state against the old
// global maxima, folds the group's new absolute maxima into
// NewMax1/NewMax2, and returns the group's squared update norm. State
// bytes are not written in this phase.
func precondition8Block(kind Optimizer, g []float32, s1q, s2q []uint8, q *QuantState8, a OptimArgs) float32 {
	oldMax1 := q.Max1[0]
	var localMax1, localMax2, sum float32
	switch kind {
	case Adam:
		oldMax2 := q.Max2[0]
		c1 := biasCorrection(a.Beta1, a.Step)
		c2 := biasCorrection(a.Beta2, a.Step)
		for i, gv := range g {
			gv *= a.GnormScale
			m1 := q.Quantiles1[s1q[i]] * oldMax1
			m1 = m1*a.Beta1 + (1-a.Beta1)*gv
			m2 := q.Quantiles2[s2q[i]] * oldMax2
			m2 = m2*a.Beta2 + (1-a.Beta2)*gv*gv
			if am := abs32(m1); am > localMax1 {
				localMax1 = am
			}
			if am := abs32(m2); am > localMax2 {
				localMax2 = am
			}
			if a.MaxUnorm > 0 {
				u := (m1 / c1) / (sqrtf(m2/c2) + a.Eps)
				sum += u * u
			}
		}
		atomicMaxFloat32(&q.NewMax1[0], localMax1)
		atomicMaxFloat32(&q.NewMax2[0], localMax2)
	case Momentum:
		for i, gv := range g {
			gv *= a.GnormScale
			m := q.Quantiles1[s1q[i]] * oldMax1
			if a.Step == 1 {
				m = gv
			} else {
				m = m*a.Beta1 + gv
			}
			if am := abs32(m); am > localMax1 {
				localMax1 = am
			}
			if a.MaxUnorm > 0 {
				sum += m * m
			}
		}
		atomicMaxFloat32(&q.NewMax1[0], localMax1)
	case RMSProp:
		for i, gv := range g {
			gv *= a.GnormScale
			m := q.Quantiles1[s1q[i]] * oldMax1
			m = m*a.Beta1 + (1-a.Beta1)*gv*gv
			if am := abs32(m); am > localMax1 {
				localMax1 = am
			}
			if a.MaxUnorm > 0 {
				u := gv / (sqrtf(m) + a.Eps)
				sum += u * u
			}
		}
		atomicMaxFloat32(&q.NewMax1[0], localMax1)
	}
	return sum
}

// update8Block recomputes the new state from the old bytes and the old
// maxima, applies the parameter update, then re-encodes the state
// against the new maxima gathered by the precondition phase. A zero new
// max (all states zero) encodes everything to the codebook's zero
// entry.
func update8Block(kind Optimizer, g, p []float32, s1q, s2q []uint8, q *QuantState8, scale float32, a OptimArgs) {
	oldMax1 := q.Max1[0]
	inv1 := float32(0)
	if q.NewMax1[0] > 0 {
		inv1 = 1 / q.NewMax1[0]
	}
	lr := a.LR
	switch kind {
	case Adam:
		oldMax2 := q.Max2[0]
		inv2 := float32(0)
		if q.NewMax2[0] > 0 {
			inv2 = 1 / q.NewMax2[0]
		}
		c1 := biasCorrection(a.Beta1, a.Step)
		c2 := biasCorrection(a.Beta2, a.Step)
		for i, gv := range g {
			gv *= a.GnormScale
			m1 := q.Quantiles1[s1q[i]] * oldMax1
			m1 = m1*a.Beta1 + (1-a.Beta1)*gv
			m2 := q.Quantiles2[s2q[i]] * oldMax2
			m2 = m2*a.Beta2 + (1-a.Beta2)*gv*gv
			if a.WeightDecay > 0 {
				p[i] *= 1 - lr*a.WeightDecay
			}
			p[i] -= scale * lr * (m1 / c1) / (sqrtf(m2/c2) + a.Eps)
			s1q[i] = nearestCode(q.Quantiles1, m1*inv1)
			s2q[i] = nearestCode(q.Quantiles2, m2*inv2)
		}
	case Momentum:
		for i, gv := range g {
			gv *= a.GnormScale
			if a.WeightDecay > 0 {
				gv += p[i] * a.WeightDecay
			}
			m := q.Quantiles1[s1q[i]] * oldMax1
			if a.Step == 1 {
				m = gv
			} else {
				m = m*a.Beta1 + gv
			}
			p[i] -= scale * lr * m
			s1q[i] = nearestCode(q.Quantiles1, m*inv1)
		}
	case RMSProp:
		for i, gv := range g {
			gv *= a.GnormScale
			if a.WeightDecay > 0 {
				gv += p[i] * a.WeightDecay
			}
			m := q.Quantiles1[s1q[i]] * oldMax1
			m = m*a.Beta1 + (1-a.Beta1)*gv*gv
			p[i] -= scale * lr * gv / (sqrtf(m) + a.Eps)
			s1q[i] = nearestCode(q.Quantiles1, m*inv1)
		}
	}
}

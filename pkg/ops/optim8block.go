package ops

// Fused blockwise 8-bit kernels: each 2048-element block dequantizes
// its state, applies the optimizer recurrence, rescales against the
// block's new absolute maximum and re-encodes, all in one pass over the
// block. No atomics are needed; the maxima are block-local.
//
// skip_zeros keeps a skipped element's represented value: the old value
// still participates in the new block maximum and is re-encoded against
// it. A block whose every element is skipped is left entirely
// untouched, bytes and absmax both.

func optimizer8BlockwiseAdamBlock(g, p []float32, s1q, s2q []uint8, quantiles1, quantiles2, absmax1, absmax2 []float32, block int, a OptimArgs) {
	n := len(g)
	oldMax1 := absmax1[block]
	oldMax2 := absmax2[block]
	s1new := make([]float32, n)
	s2new := make([]float32, n)
	var m1, m2 float32
	updated := false

	for i := 0; i < n; i++ {
		gv := g[i]
		s1 := quantiles1[s1q[i]] * oldMax1
		s2 := quantiles2[s2q[i]] * oldMax2
		if !a.SkipZeros || gv != 0 {
			updated = true
			gv *= a.GnormScale
			s1 = s1*a.Beta1 + (1-a.Beta1)*gv
			s2 = s2*a.Beta2 + (1-a.Beta2)*gv*gv
		}
		s1new[i] = s1
		s2new[i] = s2
		if am := abs32(s1); am > m1 {
			m1 = am
		}
		if am := abs32(s2); am > m2 {
			m2 = am
		}
	}
	if !updated {
		return
	}

	inv1 := float32(0)
	if m1 > 0 {
		inv1 = 1 / m1
	}
	inv2 := float32(0)
	if m2 > 0 {
		inv2 = 1 / m2
	}
	c1 := biasCorrection(a.Beta1, a.Step)
	c2 := biasCorrection(a.Beta2, a.Step)
	lr := a.LR

	for i := 0; i < n; i++ {
		if !a.SkipZeros || g[i] != 0 {
			if a.WeightDecay > 0 {
				p[i] *= 1 - lr*a.WeightDecay
			}
			p[i] -= lr * (s1new[i] / c1) / (sqrtf(s2new[i]/c2) + a.Eps)
		}
		s1q[i] = nearestCode(quantiles1, s1new[i]*inv1)
		s2q[i] = nearestCode(quantiles2, s2new[i]*inv2)
	}
	absmax1[block] = m1
	absmax2[block] = m2
}

func optimizer8Blockwise1StateBlock(kind Optimizer, g, p []float32, s1q []uint8, quantiles1, absmax1 []float32, block int, a OptimArgs) {
	n := len(g)
	oldMax1 := absmax1[block]
	s1new := make([]float32, n)
	var m1 float32
	updated := false

	for i := 0; i < n; i++ {
		gv := g[i]
		s1 := quantiles1[s1q[i]] * oldMax1
		if !a.SkipZeros || gv != 0 {
			updated = true
			gv *= a.GnormScale
			if a.WeightDecay > 0 {
				gv += p[i] * a.WeightDecay
			}
			switch kind {
			case Momentum:
				if a.Step == 1 {
					s1 = gv
				} else {
					s1 = s1*a.Beta1 + gv
				}
			case RMSProp:
				s1 = s1*a.Beta1 + (1-a.Beta1)*gv*gv
			case Adagrad:
				s1 += gv * gv
			}
		}
		s1new[i] = s1
		if am := abs32(s1); am > m1 {
			m1 = am
		}
	}
	if !updated {
		return
	}

	inv1 := float32(0)
	if m1 > 0 {
		inv1 = 1 / m1
	}
	lr := a.LR

	for i := 0; i < n; i++ {
		gv := g[i]
		if !a.SkipZeros || gv != 0 {
			gv *= a.GnormScale
			if a.WeightDecay > 0 {
				gv += p[i] * a.WeightDecay
			}
			switch kind {
			case Momentum:
				p[i] -= lr * s1new[i]
			case RMSProp:
				p[i] -= lr * gv / (sqrtf(s1new[i]) + a.Eps)
			case Adagrad:
				p[i] -= lr * gv / (sqrtf(s1new[i]) + a.Eps)
			}
		}
		s1q[i] = nearestCode(quantiles1, s1new[i]*inv1)
	}
	absmax1[block] = m1
}

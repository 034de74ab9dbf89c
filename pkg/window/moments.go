package window

import "math"

// Moments tracks the count, mean and second central moment of a multiset
// using Welford's update. Unlike the textbook form it also supports
// removing a previously added value, which is what keeps sliding windows
// O(1) per observation.
type Moments struct {
	n    int
	mean float64
	m2   float64
}

// Add inserts x.
func (m *Moments) Add(x float64) {
	m.n++
	delta := x - m.mean
	m.mean += delta / float64(m.n)
	m.m2 += delta * (x - m.mean)
}

// Remove deletes a value that was previously added.
func (m *Moments) Remove(x float64) {
	if m.n <= 1 {
		*m = Moments{}
		return
	}
	m.n--
	delta := x - m.mean
	m.mean -= delta / float64(m.n)
	m.m2 -= delta * (x - m.mean)
	if m.m2 < 0 {
		m.m2 = 0
	}
}

// Count returns the number of values.
func (m Moments) Count() int { return m.n }

// Mean returns 0 for an empty set.
func (m Moments) Mean() float64 { return m.mean }

// Variance is the population variance, 0 with fewer than two values.
func (m Moments) Variance() float64 {
	if m.n < 2 {
		return 0
	}
	return m.m2 / float64(m.n)
}

// Std is the population standard deviation.
func (m Moments) Std() float64 {
	return math.Sqrt(m.Variance())
}

// ZScore is (x-mean)/std, or 0 when std is 0.
func (m Moments) ZScore(x float64) float64 {
	std := m.Std()
	if std == 0 {
		return 0
	}
	return (x - m.mean) / std
}

// CV is the coefficient of variation std/mean, or 0 when mean is not positive.
func (m Moments) CV() float64 {
	if m.mean <= 0 {
		return 0
	}
	return m.Std() / m.mean
}

// Package rankcorr computes rank correlation matrices (Spearman's rho and
// Kendall's tau) over the columns of a sample matrix.
package rankcorr

import (
	"math"
	"sort"
	"strings"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/yutiansut/copulae/errs"
)

// Method selects the rank correlation measure.
type Method int

const (
	// Spearman is Spearman's rho: the Pearson correlation of the ranks.
	Spearman Method = iota
	// Kendall is Kendall's tau-b: concordant minus discordant pairs,
	// normalised by the pairs untied in each variable. Without ties it equals
	// tau-a.
	Kendall
)

var methodNames = [...]string{
	Spearman: "spearman",
	Kendall:  "kendall",
}

func (m Method) String() string {
	if m < 0 || int(m) >= len(methodNames) {
		return "unknown"
	}
	return methodNames[m]
}

// ParseMethod parses a method name case-insensitively.
func ParseMethod(name string) (Method, error) {
	lower := strings.ToLower(strings.TrimSpace(name))
	for m, n := range methodNames {
		if n == lower {
			return Method(m), nil
		}
	}
	return 0, &errs.ArgumentError{Arg: "method", Value: name, Allowed: methodNames[:]}
}

// Corr returns the c x c rank correlation matrix of the columns of sample.
func Corr(sample mat.Matrix, m Method) (*mat.SymDense, error) {
	r, c := sample.Dims()
	if r < 2 {
		return nil, errs.Invalid("rank correlation needs at least 2 observations, got %d", r)
	}
	if c < 1 {
		return nil, errs.Invalid("rank correlation needs at least 1 column")
	}

	switch m {
	case Spearman:
		ranks := mat.NewDense(r, c, nil)
		col := make([]float64, r)
		for j := 0; j < c; j++ {
			mat.Col(col, j, sample)
			ranks.SetCol(j, Rank(col))
		}
		dst := mat.NewSymDense(c, nil)
		stat.CorrelationMatrix(dst, ranks, nil)
		return dst, nil

	case Kendall:
		cols := make([][]float64, c)
		for j := range cols {
			cols[j] = mat.Col(nil, j, sample)
		}
		dst := mat.NewSymDense(c, nil)
		for i := 0; i < c; i++ {
			dst.SetSym(i, i, 1)
			for j := i + 1; j < c; j++ {
				dst.SetSym(i, j, kendall(cols[i], cols[j]))
			}
		}
		return dst, nil
	}

	return nil, &errs.ArgumentError{Arg: "method", Value: m.String(), Allowed: methodNames[:]}
}

// kendall computes tau-b with Knight's algorithm: sort by (x, y), then count
// the discordant pairs as the swaps of a merge sort on y. O(n log n).
func kendall(x, y []float64) float64 {
	n := len(x)
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(a, b int) bool {
		i, j := idx[a], idx[b]
		if x[i] != x[j] {
			return x[i] < x[j]
		}
		return y[i] < y[j]
	})

	var xTies, jointTies int64
	for i := 0; i < n; {
		j := i + 1
		for j < n && x[idx[j]] == x[idx[i]] {
			j++
		}
		xTies += pairs(j - i)
		for a := i; a < j; {
			b := a + 1
			for b < j && y[idx[b]] == y[idx[a]] {
				b++
			}
			jointTies += pairs(b - a)
			a = b
		}
		i = j
	}

	ys := make([]float64, n)
	for i, k := range idx {
		ys[i] = y[k]
	}
	swaps := mergeCount(ys, make([]float64, n))

	var yTies int64
	for i := 0; i < n; {
		j := i + 1
		for j < n && ys[j] == ys[i] {
			j++
		}
		yTies += pairs(j - i)
		i = j
	}

	n0 := pairs(n)
	s := n0 - xTies - yTies + jointTies - 2*swaps
	return float64(s) / math.Sqrt(float64(n0-xTies)*float64(n0-yTies))
}

func pairs(n int) int64 {
	return int64(n) * int64(n-1) / 2
}

// mergeCount sorts a ascending with a bottom-up merge sort and returns the
// number of strictly inverted pairs. buf must be as long as a.
func mergeCount(a, buf []float64) int64 {
	n := len(a)
	var swaps int64
	for width := 1; width < n; width *= 2 {
		for lo := 0; lo < n-width; lo += 2 * width {
			mid, hi := lo+width, min(lo+2*width, n)
			i, j, k := lo, mid, lo
			for i < mid && j < hi {
				if a[j] < a[i] {
					buf[k] = a[j]
					j++
					swaps += int64(mid - i)
				} else {
					buf[k] = a[i]
					i++
				}
				k++
			}
			k += copy(buf[k:], a[i:mid])
			copy(buf[k:], a[j:hi])
			copy(a[lo:hi], buf[lo:hi])
		}
	}
	return swaps
}

// Pair returns the [0,1] entry of the rank correlation matrix.
func Pair(sample mat.Matrix, m Method) (float64, error) {
	_, c := sample.Dims()
	if c < 2 {
		return 0, errs.Invalid("pairwise correlation needs 2 columns, got %d", c)
	}
	corr, err := Corr(sample, m)
	if err != nil {
		return 0, err
	}
	return corr.At(0, 1), nil
}

// Rank returns the 1-based ranks of x, ties receiving the average of the
// ranks they span. x is not modified.
func Rank(x []float64) []float64 {
	n := len(x)
	sorted := make([]float64, n)
	copy(sorted, x)
	inds := make([]int, n)
	floats.Argsort(sorted, inds)

	ranks := make([]float64, n)
	for i := 0; i < n; {
		j := i + 1
		for j < n && sorted[j] == sorted[i] {
			j++
		}
		// positions i..j-1 share rank (i+1 + j) / 2
		avg := float64(i+1+j) / 2
		for k := i; k < j; k++ {
			ranks[inds[k]] = avg
		}
		i = j
	}
	return ranks
}

// DropNaNRows returns the rows of u that contain no NaN. If every row is
// clean, u itself is returned.
func DropNaNRows(u *mat.Dense) *mat.Dense {
	r, c := u.Dims()
	keep := make([]int, 0, r)
	for i := 0; i < r; i++ {
		if !hasNaN(u.RawRowView(i)) {
			keep = append(keep, i)
		}
	}
	if len(keep) == r {
		return u
	}
	if len(keep) == 0 {
		return &mat.Dense{}
	}

	out := mat.NewDense(len(keep), c, nil)
	for dst, src := range keep {
		out.SetRow(dst, u.RawRowView(src))
	}
	return out
}

func hasNaN(row []float64) bool {
	for _, v := range row {
		if math.IsNaN(v) {
			return true
		}
	}
	return false
}

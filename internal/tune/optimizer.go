// Package tune searches launch parameters for the fastest kernel execution.
package tune

// Optimizer minimizes a cost function over a bounded parameter space.
type Optimizer interface {
	// Run minimizes eval over dim parameters within [lower, upper] and
	// returns the best parameters with their cost.
	Run(eval func([]float64) float64, lower, upper []float64, dim int) ([]float64, float64)
}

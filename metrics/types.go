package metrics

// Policy defines how values reported for a metric are aggregated.
type Policy int

const (
	PolicyNone      Policy = iota // No specific policy specified
	PolicySet                     // Instantaneous value - last value wins
	PolicySum                     // Sum of all values
	PolicyMax                     // Maximum value
	PolicyMin                     // Minimum value
	PolicyMid                     // Median value
	PolicyStopwatch               // Timer - measures duration
	PolicyHistogram               // Histogram statistics
)

// Value represents a metric value as a float64.
type Value float64

// Dimension represents metric dimensions as key-value pairs, exported as
// prometheus labels.
type Dimension map[string]string

// Package builtin holds the demo tools shipped with the proxy.
package builtin

import (
	"fmt"

	"llmproxy/internal/tool"
)

// AddNumbers returns a + b without overflowing.
func AddNumbers(a, b int32) int64 {
	return int64(a) + int64(b)
}

// MultiplyNumbers returns a * b.
func MultiplyNumbers(a, b float64) float64 {
	return a * b
}

// ConcatStrings joins a and b.
func ConcatStrings(a, b string) string {
	return a + b
}

// SumList adds up values; an empty list sums to zero.
func SumList(values []float64) float64 {
	var total float64
	for _, v := range values {
		total += v
	}
	return total
}

type definition struct {
	name        string
	description string
	fn          any
	params      []string
}

var definitions = []definition{
	{"add_numbers", "Add two integers and return the sum.", AddNumbers, []string{"a", "b"}},
	{"multiply_numbers", "Multiply two numbers and return the product.", MultiplyNumbers, []string{"a", "b"}},
	{"concat_strings", "Concatenate two strings.", ConcatStrings, []string{"a", "b"}},
	{"sum_list", "Sum a list of numbers.", SumList, []string{"values"}},
}

// Names lists the built-in tool names in registration order.
func Names() []string {
	names := make([]string, 0, len(definitions))
	for _, d := range definitions {
		names = append(names, d.name)
	}
	return names
}

// Register adds every built-in tool to r.
func Register(r *tool.Registry) error {
	for _, d := range definitions {
		if err := r.RegisterFunc(d.name, d.description, d.fn, d.params...); err != nil {
			return fmt.Errorf("register %s: %w", d.name, err)
		}
	}
	return nil
}

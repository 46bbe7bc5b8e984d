// Package main provides the kiln CLI.
package main

import (
	"fmt"
	"os"

	"github.com/kiln-ml/kiln/norm"
	"github.com/kiln-ml/kiln/tensor"
)

const version = "v0.0.1-dev"

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "version":
			fmt.Printf("kiln %s\n", version)
			return
		case "demo":
			if err := demo(); err != nil {
				fmt.Fprintf(os.Stderr, "demo: %v\n", err)
				os.Exit(1)
			}
			return
		}
	}

	fmt.Println("kiln - batch normalization core for Go")
	fmt.Printf("Version: %s\n\n", version)
	fmt.Println("Commands:")
	fmt.Println("  version    Show version")
	fmt.Println("  demo       Normalize a small tensor and print the backend used")
}

// demo runs one training-mode batch norm over a (2, 3, 4) tensor and reports
// which implementation the selector picked.
func demo() error {
	data := make([]float32, 2*3*4)
	for i := range data {
		data[i] = float32(i)*0.5 - 3
	}
	x, err := tensor.FromSlice(data, tensor.Shape{2, 3, 4})
	if err != nil {
		return err
	}
	weight, err := tensor.Ones[float32](tensor.Shape{3})
	if err != nil {
		return err
	}
	bias, err := tensor.Zeros[float32](tensor.Shape{3})
	if err != nil {
		return err
	}
	runningMean, err := tensor.Zeros[float32](tensor.Shape{3})
	if err != nil {
		return err
	}
	runningVar, err := tensor.Ones[float32](tensor.Shape{3})
	if err != nil {
		return err
	}

	out, saveMean, _, _, impl, err := norm.BatchNormForwardWithBackend(
		x, weight, bias, runningMean, runningVar, true, 0.1, 1e-5, true)
	if err != nil {
		return err
	}

	fmt.Printf("backend:     %s\n", impl)
	fmt.Printf("input shape: %v\n", x.Shape())
	fmt.Printf("batch means: %v\n", saveMean.AsFloat32())
	fmt.Printf("out[0:4]:    %v\n", out.AsFloat32()[:4])
	return nil
}

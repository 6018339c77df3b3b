// Command generate writes the example .xyl bundles shipped with xylem. Each bundle
// holds a small decision network and a synthetic observation log that reproduces a
// textbook answer, so a fresh install has something to query:
//
//	xylem bundle import bundles/lecture-5-2.xyl
//	xylem meu lecture-5-2
//
// Usage:
//
//	go run ./bundles/generate
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/CanopyHQ/xylem/internal/bayes"
	"github.com/CanopyHQ/xylem/internal/bundle"
	"github.com/CanopyHQ/xylem/internal/network"
)

// example is one generated bundle.
type example struct {
	filename   string
	manifest   bundle.Manifest
	definition string
	data       bayes.Dataset
}

func main() {
	// Write next to this directory (bundles/) when run from the repo root or from here.
	outputDir := filepath.Join(".", "bundles")
	if _, err := os.Stat(outputDir); os.IsNotExist(err) {
		cwd, _ := os.Getwd()
		switch filepath.Base(cwd) {
		case "generate":
			outputDir = filepath.Dir(cwd)
		default:
			outputDir = cwd
		}
	}

	if err := build(outputDir); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("\nDone. Import with: xylem bundle import <file.xyl>")
}

// build writes every example bundle into dir.
func build(dir string) error {
	for _, ex := range examples() {
		if _, err := network.Parse([]byte(ex.definition)); err != nil {
			return fmt.Errorf("%s: %w", ex.filename, err)
		}
		outPath := filepath.Join(dir, ex.filename)
		if err := bundle.Package(ex.manifest, ex.definition, ex.data, outPath); err != nil {
			return fmt.Errorf("failed to create %s: %w", ex.filename, err)
		}
		fmt.Printf("Created %s (%d observations)\n", outPath, len(ex.data.Rows))
	}
	return nil
}

func examples() []example {
	now := time.Now().UTC()
	return []example{
		{
			filename: "lecture-5-2" + bundle.Extension,
			manifest: bundle.Manifest{
				ID:          "lecture-5-2-v1",
				Name:        "lecture-5-2",
				Description: "Marketing decision under an unknown market state. Best choice D=0 (EU 2.2); knowing M first is worth 0.3.",
				Author:      "Canopy Team",
				Version:     "1.0.0",
				Revision:    1,
				CreatedAt:   now,
			},
			definition: lectureDefinition,
			data:       lectureData(),
		},
		{
			filename: "do-test" + bundle.Extension,
			manifest: bundle.Manifest{
				ID:          "do-test-v1",
				Name:        "do-test",
				Description: "Confounded treatment: Z drives both the decision D and the outcome S. Compare query S given D with query S under do(D).",
				Author:      "Canopy Team",
				Version:     "1.0.0",
				Revision:    1,
				CreatedAt:   now,
			},
			definition: doTestDefinition,
			data:       doTestData(),
		},
	}
}

const lectureDefinition = `name: lecture-5-2
description: marketing decision with a hidden market state
edges:
  - [M, C]
  - [D, C]
decisions: [D]
utilities:
  C: {0: 3, 1: 1}
`

// lectureData gives P(M=1) = 0.5, P(C=0 | M, D=0) = 0.8/0.4 and P(C=0 | M, D=1) = 0.3/0.7.
func lectureData() bayes.Dataset {
	counts := map[[3]int]int{
		{0, 0, 0}: 8, {0, 0, 1}: 2, {0, 1, 0}: 3, {0, 1, 1}: 7,
		{1, 0, 0}: 4, {1, 0, 1}: 6, {1, 1, 0}: 7, {1, 1, 1}: 3,
	}
	data := bayes.Dataset{Columns: []string{"M", "D", "C"}}
	for m := 0; m < 2; m++ {
		for d := 0; d < 2; d++ {
			for c := 0; c < 2; c++ {
				for i := 0; i < counts[[3]int{m, d, c}]; i++ {
					data.Rows = append(data.Rows, []int{m, d, c})
				}
			}
		}
	}
	return data
}

const doTestDefinition = `name: do-test
description: confounded treatment with a downstream outcome
edges:
  - [Z, D]
  - [Z, S]
  - [D, S]
  - [S, Y]
decisions: [D]
utilities:
  Y: {1: 10}
`

// doTestData makes D and S agree with Z more often than not, so observing D=1 and
// forcing D=1 give visibly different answers for S.
func doTestData() bayes.Dataset {
	data := bayes.Dataset{Columns: []string{"Z", "D", "S", "Y"}}
	for z := 0; z < 2; z++ {
		for d := 0; d < 2; d++ {
			for s := 0; s < 2; s++ {
				for y := 0; y < 2; y++ {
					n := 1 + (z*5+d*3+s*7+y*11+z*d*2)%7
					if s == y {
						n *= 4
					}
					if z == d {
						n *= 3
					}
					if z == s {
						n *= 2
					}
					for i := 0; i < n; i++ {
						data.Rows = append(data.Rows, []int{z, d, s, y})
					}
				}
			}
		}
	}
	return data
}

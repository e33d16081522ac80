// Command geomtable prints the axis, engine and mode tables of the
// registered diffractometer geometries.
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"hkl-calc/internal/version"
	"hkl-calc/pkg/geometry"

	_ "hkl-calc/internal/backend"
)

func main() {
	name := flag.String("geometry", "", "Geometry to describe (e.g. E4CV); empty lists all")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}

	if *name == "" {
		fmt.Printf("%-8s %-8s %-8s %s\n", "NAME", "CIRCLES", "ENGINES", "DESCRIPTION")
		for _, n := range geometry.List() {
			spec := geometry.Get(n).Spec()
			fmt.Printf("%-8s %-8d %-8d %s\n",
				spec.Name, len(spec.Sample)+len(spec.Detector), len(spec.Engines), spec.Description)
		}
		return
	}

	b := geometry.Get(*name)
	if b == nil {
		fmt.Fprintf(os.Stderr, "Unknown geometry %q, pick one of %s\n",
			*name, strings.Join(geometry.List(), ", "))
		os.Exit(1)
	}
	spec := b.Spec()

	fmt.Printf("%s: %s\n", spec.Name, spec.Description)

	fmt.Printf("\nSample axes:\n")
	printAxes(spec.Sample)
	fmt.Printf("\nDetector axes:\n")
	printAxes(spec.Detector)

	for _, eng := range spec.Engines {
		note := ""
		if eng.ReadOnly {
			note = " (read-only)"
		}
		fmt.Printf("\nEngine %s%s, pseudos: %s\n", eng.Name, note, strings.Join(eng.Pseudos, ", "))
		fmt.Printf("  %-20s %-26s %s\n", "MODE", "WRITES", "PARAMS")
		for _, m := range eng.Modes {
			fmt.Printf("  %-20s %-26s %s\n",
				m.Name, strings.Join(m.Writes, ","), strings.Join(m.Params, ","))
		}
	}
}

func printAxes(axes []geometry.Axis) {
	for _, a := range axes {
		fmt.Printf("  %-8s about (%5.2f, %5.2f, %5.2f)\n",
			a.Name, a.Direction[0], a.Direction[1], a.Direction[2])
	}
}

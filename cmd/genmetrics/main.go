// Copyright 2021 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Command genmetrics generates the typed metric getters of package
// metrics from a YAML definition file.
package main

import (
	"bytes"
	"flag"
	"fmt"
	"go/format"
	"io/ioutil"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"text/template"

	yaml "gopkg.in/yaml.v2"
)

var (
	idRe   = regexp.MustCompile(`^[a-z][a-z_]*[a-z]$`)
	helpRe = regexp.MustCompile(`^[A-Z][a-zA-Z0-9 ]*\.$`)
)

// metricTypes lists the supported metric types in the order in which
// their getters are generated.
var metricTypes = []string{"counter", "gauge", "histogram"}

type metricDef struct {
	Type    string    `yaml:"type"`
	Help    string    `yaml:"help"`
	Buckets []float64 `yaml:"buckets,omitempty"`
	Labels  []string  `yaml:"labels,omitempty"`
}

// metric is a validated metric definition, ready for generation.
type metric struct {
	metricDef
	Name string
}

// validate checks that the definition of metric name is well formed.
func (m metricDef) validate(name string) error {
	if !idRe.MatchString(name) {
		return fmt.Errorf("invalid metric name %s: must match %s", name, idRe)
	}
	known := false
	for _, t := range metricTypes {
		known = known || m.Type == t
	}
	if !known {
		return fmt.Errorf("metric %s: unknown type %q, must be one of %v", name, m.Type, metricTypes)
	}
	if !helpRe.MatchString(m.Help) {
		return fmt.Errorf("metric %s: help text %q must be a capitalized sentence", name, m.Help)
	}
	for _, l := range m.Labels {
		if !idRe.MatchString(l) {
			return fmt.Errorf("metric %s: invalid label %s", name, l)
		}
	}
	if len(m.Buckets) > 0 && m.Type != "histogram" {
		return fmt.Errorf("metric %s: buckets are only allowed for histograms", name)
	}
	return nil
}

// pascal converts a snake_case identifier to PascalCase.
func pascal(id string) string {
	parts := strings.Split(id, "_")
	for i, p := range parts {
		if p != "" {
			parts[i] = strings.ToUpper(p[:1]) + p[1:]
		}
	}
	return strings.Join(parts, "")
}

// sentence converts help text to a lowercase clause for use in a doc
// comment.
func sentence(help string) string {
	help = strings.TrimSuffix(strings.TrimSpace(help), ".")
	return strings.ToLower(help[:1]) + help[1:]
}

func quote(ss []string) string {
	q := make([]string, len(ss))
	for i, s := range ss {
		q[i] = strconv.Quote(s)
	}
	return strings.Join(q, ", ")
}

func floats(fs []float64) string {
	s := make([]string, len(fs))
	for i, f := range fs {
		s[i] = strconv.FormatFloat(f, 'f', -1, 64)
	}
	return strings.Join(s, ", ")
}

func labelMap(labels []string) string {
	if len(labels) == 0 {
		return "nil"
	}
	kv := make([]string, len(labels))
	for i, l := range labels {
		kv[i] = fmt.Sprintf("%q: %s", l, l)
	}
	return "map[string]string{" + strings.Join(kv, ", ") + "}"
}

func params(labels []string) string {
	if len(labels) == 0 {
		return ""
	}
	return ", " + strings.Join(labels, ", ") + " string"
}

var tmpl = template.Must(template.New("metrics").Funcs(template.FuncMap{
	"pascal":   pascal,
	"sentence": sentence,
	"quote":    quote,
	"floats":   floats,
	"labelMap": labelMap,
	"params":   params,
}).Parse(`// Copyright 2021 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// THIS FILE WAS AUTOMATICALLY GENERATED (@{{"generated"}}). DO NOT EDIT.

package {{.Package}}

import (
	"context"
)

var (
{{- range $type := .Types}}
	{{pascal $type}}s = map[string]{{$type}}Opts{
	{{- range index $.Metrics $type}}
		{{printf "%q" .Name}}: {
			Help: {{printf "%q" .Help}},
			{{- if .Labels}}
			Labels: []string{ {{- quote .Labels -}} },
			{{- end}}
			{{- if .Buckets}}
			Buckets: []float64{ {{- floats .Buckets -}} },
			{{- end}}
		},
	{{- end}}
	}
{{- end}}
)
{{range $type := .Types}}{{range index $.Metrics $type}}
// Get{{pascal .Name}}{{pascal .Type}} returns a {{pascal .Type}} to set metric {{.Name}} ({{sentence .Help}}).
func Get{{pascal .Name}}{{pascal .Type}}(ctx context.Context{{params .Labels}}) {{pascal .Type}} {
	return get{{pascal .Type}}(ctx, {{printf "%q" .Name}}, {{labelMap .Labels}})
}
{{end}}{{end}}`))

func usage() {
	fmt.Fprintf(os.Stderr, `usage: genmetrics defpath dstpackage

genmetrics reads the metric definitions at defpath and generates
metrics.go in the package directory dstpackage, providing typed
getters for the metrics used by locus.
`)
	flag.PrintDefaults()
	os.Exit(2)
}

func main() {
	log.SetFlags(0)
	log.SetPrefix("genmetrics: ")
	stdout := flag.Bool("stdout", false, "print the package to stdout instead of materializing it")
	flag.Usage = usage
	flag.Parse()
	if flag.NArg() != 2 {
		flag.Usage()
	}
	defpath, dstpackage := flag.Arg(0), flag.Arg(1)

	b, err := ioutil.ReadFile(defpath)
	if err != nil {
		log.Fatal(err)
	}
	var defs map[string]metricDef
	if err := yaml.UnmarshalStrict(b, &defs); err != nil {
		log.Fatalf("%s: %v", defpath, err)
	}
	byType := make(map[string][]metric)
	for name, def := range defs {
		if err := def.validate(name); err != nil {
			log.Fatal(err)
		}
		byType[def.Type] = append(byType[def.Type], metric{def, name})
	}
	for _, ms := range byType {
		sort.Slice(ms, func(i, j int) bool { return ms[i].Name < ms[j].Name })
	}

	pkg, err := filepath.Abs(dstpackage)
	if err != nil {
		log.Fatal(err)
	}
	var buf bytes.Buffer
	err = tmpl.Execute(&buf, struct {
		Package string
		Types   []string
		Metrics map[string][]metric
	}{filepath.Base(pkg), metricTypes, byType})
	if err != nil {
		log.Fatal(err)
	}
	src, err := format.Source(buf.Bytes())
	if err != nil {
		log.Println(buf.String())
		log.Fatalf("generated code is invalid: %v", err)
	}
	if *stdout {
		os.Stdout.Write(src)
		return
	}
	if err := ioutil.WriteFile(filepath.Join(dstpackage, "metrics.go"), src, 0644); err != nil {
		log.Fatal(err)
	}
}

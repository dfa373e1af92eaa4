// report_gen merges `go test -json` output with the TestPurpose/Scope/Security
// annotations of the test sources into JSON and Markdown reports.
package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/samber/lo"
)

const modulePath = "github.com/opentrusty/opentrusty-admin/"

// Annotation is the metadata block above a test function
type Annotation struct {
	Purpose     string `json:"purpose,omitempty"`
	Scope       string `json:"scope,omitempty"`
	Security    string `json:"security,omitempty"`
	Permissions string `json:"permissions,omitempty"`
	Expected    string `json:"expected,omitempty"`
	CaseID      string `json:"test_case_id,omitempty"`
}

// Result is one test merged with its annotation
type Result struct {
	Name       string     `json:"name"`
	Package    string     `json:"package"`
	Category   string     `json:"category"`
	Status     string     `json:"status"`
	Elapsed    float64    `json:"elapsed_seconds"`
	Failure    string     `json:"failure_reason,omitempty"`
	Annotation Annotation `json:"annotations"`
}

// Summary is the report document
type Summary struct {
	GeneratedAt time.Time `json:"generated_at"`
	Total       int       `json:"total"`
	Passed      int       `json:"passed"`
	Failed      int       `json:"failed"`
	Skipped     int       `json:"skipped"`
	Results     []Result  `json:"results"`
}

type testEvent struct {
	Action  string  `json:"Action"`
	Package string  `json:"Package"`
	Test    string  `json:"Test"`
	Elapsed float64 `json:"Elapsed"`
	Output  string  `json:"Output"`
}

// categories maps package suffixes to report sections, in report order
var categories = []struct{ pkg, name string }{
	{"internal/access", "Access Matrix"},
	{"internal/privilege", "Privilege Types"},
	{"internal/group", "Groups"},
	{"internal/approval", "Maker-Checker"},
	{"internal/authn", "Sessions"},
	{"internal/identity", "Directory Login"},
	{"internal/directory", "Directory Login"},
	{"internal/account", "Accounts"},
	{"internal/bootstrap", "Bootstrap"},
	{"internal/store/postgres", "Persistence"},
	{"internal/transport/http", "API"},
}

func main() {
	input := flag.String("input", "", "go test -json output file")
	outJSON := flag.String("out-json", "", "JSON report path")
	outMD := flag.String("out-md", "", "Markdown report path")
	title := flag.String("title", "Test Report", "report title")
	only := flag.String("category", "", "comma-separated categories to include")
	flag.Parse()

	if *input == "" || *outJSON == "" || *outMD == "" {
		fmt.Fprintln(os.Stderr, "usage: report_gen -input <file> -out-json <file> -out-md <file>")
		os.Exit(2)
	}

	annotations, err := scanAnnotations(".")
	if err != nil {
		fmt.Fprintf(os.Stderr, "scan sources: %v\n", err)
		os.Exit(1)
	}
	results, err := readEvents(*input, annotations)
	if err != nil {
		fmt.Fprintf(os.Stderr, "read test output: %v\n", err)
		os.Exit(1)
	}
	if *only != "" {
		wanted := lo.Map(strings.Split(*only, ","), func(s string, _ int) string { return strings.TrimSpace(s) })
		results = lo.Filter(results, func(r Result, _ int) bool { return lo.Contains(wanted, r.Category) })
	}

	summary := summarize(results)
	if err := writeJSON(*outJSON, summary); err != nil {
		fmt.Fprintf(os.Stderr, "write json: %v\n", err)
		os.Exit(1)
	}
	if err := writeFile(*outMD, renderMarkdown(summary, *title)); err != nil {
		fmt.Fprintf(os.Stderr, "write markdown: %v\n", err)
		os.Exit(1)
	}
	if summary.Failed > 0 {
		fmt.Fprintf(os.Stderr, "%d tests failed\n", summary.Failed)
		os.Exit(1)
	}
}

func scanAnnotations(root string) (map[string]Result, error) {
	out := make(map[string]Result)
	fset := token.NewFileSet()
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if name := d.Name(); name != "." && (strings.HasPrefix(name, "_") || strings.HasPrefix(name, ".") || name == "vendor") {
				return filepath.SkipDir
			}
			return nil
		}
		if !strings.HasSuffix(path, "_test.go") {
			return nil
		}
		file, err := parser.ParseFile(fset, path, nil, parser.ParseComments)
		if err != nil {
			return nil
		}
		pkg := modulePath + filepath.ToSlash(filepath.Dir(path))
		for _, decl := range file.Decls {
			fn, ok := decl.(*ast.FuncDecl)
			if !ok || !strings.HasPrefix(fn.Name.Name, "Test") {
				continue
			}
			out[pkg+"."+fn.Name.Name] = Result{
				Name:       fn.Name.Name,
				Package:    pkg,
				Category:   categoryOf(pkg),
				Status:     "not run",
				Annotation: parseDoc(fn.Doc),
			}
		}
		return nil
	})
	return out, err
}

func parseDoc(doc *ast.CommentGroup) Annotation {
	var a Annotation
	if doc == nil {
		return a
	}
	fields := map[string]*string{
		"TestPurpose:":  &a.Purpose,
		"Scope:":        &a.Scope,
		"Security:":     &a.Security,
		"Permissions:":  &a.Permissions,
		"Expected:":     &a.Expected,
		"Test Case ID:": &a.CaseID,
	}
	for _, c := range doc.List {
		text := strings.TrimSpace(strings.TrimPrefix(c.Text, "//"))
		for prefix, dst := range fields {
			if strings.HasPrefix(text, prefix) {
				*dst = strings.TrimSpace(strings.TrimPrefix(text, prefix))
			}
		}
	}
	return a
}

func categoryOf(pkg string) string {
	for _, c := range categories {
		if strings.HasSuffix(pkg, c.pkg) {
			return c.name
		}
	}
	return "Other"
}

func readEvents(path string, known map[string]Result) ([]Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	states := make(map[string]*Result, len(known))
	for k, r := range known {
		r := r
		states[k] = &r
	}

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var ev testEvent
		if json.Unmarshal(sc.Bytes(), &ev) != nil || ev.Test == "" {
			continue
		}
		key := ev.Package + "." + ev.Test
		res, ok := states[key]
		if !ok {
			parent, _, _ := strings.Cut(ev.Test, "/")
			base := Result{Category: categoryOf(ev.Package)}
			if p, found := states[ev.Package+"."+parent]; found {
				base = *p
			}
			base.Name, base.Package, base.Status = ev.Test, ev.Package, "not run"
			res = &base
			states[key] = res
		}
		switch ev.Action {
		case "pass", "fail":
			res.Status, res.Elapsed = ev.Action, ev.Elapsed
		case "skip":
			res.Status = "skip"
		case "output":
			res.Failure += ev.Output
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}

	list := lo.Map(lo.Values(states), func(r *Result, _ int) Result {
		if r.Status != "fail" {
			r.Failure = ""
		}
		return *r
	})
	sort.Slice(list, func(i, j int) bool {
		if list[i].Package != list[j].Package {
			return list[i].Package < list[j].Package
		}
		return list[i].Name < list[j].Name
	})
	return list, nil
}

func summarize(results []Result) Summary {
	s := Summary{GeneratedAt: time.Now().UTC(), Results: results, Total: len(results)}
	status := func(want string) func(Result) bool {
		return func(r Result) bool { return r.Status == want }
	}
	s.Passed = lo.CountBy(results, status("pass"))
	s.Failed = lo.CountBy(results, status("fail"))
	s.Skipped = lo.CountBy(results, status("skip"))
	return s
}

func renderMarkdown(s Summary, title string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# OpenTrusty Admin %s\n\n", title)
	fmt.Fprintf(&b, "Generated %s\n\n", s.GeneratedAt.Format(time.RFC3339))

	rate := 0.0
	if s.Total > 0 {
		rate = float64(s.Passed) / float64(s.Total) * 100
	}
	b.WriteString("| Total | Passed | Failed | Skipped | Pass Rate |\n|---|---|---|---|---|\n")
	fmt.Fprintf(&b, "| %d | %d | %d | %d | %.1f%% |\n\n", s.Total, s.Passed, s.Failed, s.Skipped, rate)

	grouped := lo.GroupBy(s.Results, func(r Result) string { return r.Category })
	order := lo.Uniq(append(lo.Map(categories, func(c struct{ pkg, name string }, _ int) string { return c.name }), "Other"))
	for _, cat := range order {
		tests := grouped[cat]
		if len(tests) == 0 {
			continue
		}
		fmt.Fprintf(&b, "## %s\n\n| ID | Test | Status | Purpose | Security |\n|---|---|---|---|---|\n", cat)
		for _, t := range tests {
			fmt.Fprintf(&b, "| %s | %s | %s | %s | %s |\n",
				t.Annotation.CaseID, t.Name, t.Status, t.Annotation.Purpose, t.Annotation.Security)
		}
		b.WriteString("\n")
	}

	failed := lo.Filter(s.Results, func(r Result, _ int) bool { return r.Status == "fail" })
	if len(failed) > 0 {
		b.WriteString("## Failures\n\n")
		for _, t := range failed {
			fmt.Fprintf(&b, "### %s (%s)\n\n```\n%s\n```\n\n", t.Name, t.Package, t.Failure)
		}
	}
	return b.String()
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return writeFile(path, string(data))
}

func writeFile(path, content string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(content), 0o644)
}

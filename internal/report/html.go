package report

import (
	"html/template"
	"os"
	"path/filepath"
	"sort"

	"github.com/snapvrt/snapvrt/internal/errext"
	"github.com/snapvrt/snapvrt/internal/store"
)

// ReportFile is the review page path under .snapvrt/.
const ReportFile = "report.html"

// Row is one snapshot on the review page.
type Row struct {
	Name          string
	HasReference  bool
	HasCurrent    bool
	HasDifference bool
}

var reviewTmpl = template.Must(template.New("review").Parse(`<!doctype html>
<html>
<head>
<meta charset="utf-8">
<title>snapvrt review</title>
<style>
  body { font-family: ui-monospace, monospace; margin: 2rem; background: #111; color: #ddd; }
  h1 { font-size: 1.2rem; }
  .row { margin-bottom: 2.5rem; }
  .row h2 { font-size: 0.95rem; font-weight: normal; color: #9cf; }
  .panes { display: flex; gap: 12px; }
  .pane { flex: 1; min-width: 0; }
  .pane .label { font-size: 0.75rem; color: #888; margin-bottom: 4px; }
  .pane img { max-width: 100%; border: 1px solid #333; background: #fff; }
  .missing { color: #666; font-size: 0.8rem; }
</style>
</head>
<body>
<h1>snapvrt review — {{len .Rows}} snapshot(s)</h1>
{{range .Rows}}
<div class="row">
  <h2>{{.Name}}</h2>
  <div class="panes">
    <div class="pane"><div class="label">reference</div>
      {{if .HasReference}}<img src="reference/{{.Name}}.png">{{else}}<div class="missing">none</div>{{end}}
    </div>
    <div class="pane"><div class="label">current</div>
      {{if .HasCurrent}}<img src="current/{{.Name}}.png">{{else}}<div class="missing">none</div>{{end}}
    </div>
    <div class="pane"><div class="label">difference</div>
      {{if .HasDifference}}<img src="difference/{{.Name}}.png">{{else}}<div class="missing">none</div>{{end}}
    </div>
  </div>
</div>
{{end}}
</body>
</html>
`))

// CollectRows unions the ids present in the reference and current
// areas. A difference image is shown only for those ids; a diff with
// neither a reference nor a current file gets no row.
func CollectRows(s *store.Store) []Row {
	reference := toSet(s.ListReferenceIDs())
	current := toSet(s.ListCurrentIDs())

	all := map[string]struct{}{}
	for id := range reference {
		all[id] = struct{}{}
	}
	for id := range current {
		all[id] = struct{}{}
	}

	names := make([]string, 0, len(all))
	for id := range all {
		names = append(names, id)
	}
	sort.Strings(names)

	rows := make([]Row, 0, len(names))
	for _, name := range names {
		_, hasRef := reference[name]
		_, hasCur := current[name]
		rows = append(rows, Row{
			Name:          name,
			HasReference:  hasRef,
			HasCurrent:    hasCur,
			HasDifference: s.HasDifference(name),
		})
	}
	return rows
}

func toSet(ids []string) map[string]struct{} {
	m := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		m[id] = struct{}{}
	}
	return m
}

// WriteHTML renders the review page to .snapvrt/report.html and
// returns its path.
func WriteHTML(s *store.Store) (string, error) {
	rows := CollectRows(s)
	path := filepath.Join(store.BaseDir, ReportFile)

	f, err := os.Create(path)
	if err != nil {
		return "", errext.Wrap(errext.Io, err, "create "+path)
	}
	defer f.Close()

	if err := reviewTmpl.Execute(f, map[string]any{"Rows": rows}); err != nil {
		return "", errext.Wrap(errext.Io, err, "render "+path)
	}
	return path, nil
}

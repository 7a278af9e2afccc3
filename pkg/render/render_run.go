// Render HTML for browsing runs in the ledger

package render

import (
	"html/template"
	"io"
	"sort"
	"strconv"

	"github.com/yumyai/clusterfinder/logger"
	"github.com/yumyai/clusterfinder/pkg/cluster"
	"github.com/yumyai/clusterfinder/pkg/db"
	"github.com/yumyai/clusterfinder/pkg/table"
	"go.uber.org/zap"
)

var (
	run_list_template *template.Template
	run_page_template *template.Template
)

var funcs = template.FuncMap{
	"clusterName": func(id int) string {
		if id == table.NoCluster {
			return "unclustered"
		}
		return "cluster " + strconv.Itoa(id)
	},
	"orDash": func(s string) string {
		if s == "" {
			return "-"
		}
		return s
	},
}

func init() {
	layoutTmpl := `
	{{define "head"}}
	<!DOCTYPE html>
	<html>
	<head>
		<meta charset="utf-8">
		<title>{{ . }}</title>
		<style>
			body { font-family: sans-serif; margin: 2em; }
			table { border-collapse: collapse; }
			td, th { border: 1px solid #999; padding: 0.2em 0.6em; }
			tr.failed { background-color: #f8d7da; }
			tr.succeeded { background-color: #d9f2e6; }
		</style>
	</head>
	<body>
	{{end}}
	{{define "foot"}}
	</body>
	</html>
	{{end}}
	`

	runListTmpl := `
	{{template "head" "Pipeline runs"}}
		<h1>Pipeline runs</h1>
		{{ if not . }}
			<p>No runs recorded yet.</p>
		{{ else }}
		<table>
		<tr>
			<th>Run</th>
			<th>Output prefix</th>
			<th>Status</th>
			<th>Failed stage</th>
			<th>Started</th>
		</tr>
		{{ range . }}
			<tr class="{{ .Status }}">
				<td><a href="/runs/{{ .ID }}">{{ .ID }}</a></td>
				<td>{{ .OutputPrefix }}</td>
				<td>{{ .Status }}</td>
				<td>{{ orDash .FailedStage }}</td>
				<td>{{ .StartedAt.Format "2006-01-02 15:04:05" }}</td>
			</tr>
		{{ end }}
		</table>
		{{ end }}
	{{template "foot"}}
	`

	runPageTmpl := `
	{{template "head" .Run.ID}}
		<h1>Run {{ .Run.ID }}</h1>
		<p>Status: {{ .Run.Status }}{{ with .Run.FailedStage }} at {{ . }}{{ end }}</p>
		{{ with .Run.Error }}<p>Error: {{ . }}</p>{{ end }}
		{{ with .Run.FinalTable }}<p>Final table: {{ . }}</p>{{ end }}

		<h2>Stages</h2>
		<ul>
		{{ range .Run.Events }}
			<li>{{ .At.Format "15:04:05" }} {{ .Stage }} {{ .Status }}{{ with .Detail }}: {{ . }}{{ end }}</li>
		{{ end }}
		</ul>

		<h2>Clusters</h2>
		{{ range .Clusters }}
			<h3>{{ clusterName .ID }} ({{ len .Rows }} sequences)</h3>
			<table>
			<tr>
				<th>seqName</th>
				<th>Collection date</th>
				<th>Location</th>
				<th>Deletions</th>
				<th>Insertions</th>
				<th>Final Cluster</th>
			</tr>
			{{ range .Rows }}
				<tr>
					<td>{{ .SeqName }}</td>
					<td>{{ orDash .CollectionDate }}</td>
					<td>{{ orDash .Location }}</td>
					<td>{{ orDash .Deletions }}</td>
					<td>{{ orDash .Insertions }}</td>
					<td>{{ .Label }}</td>
				</tr>
			{{ end }}
			</table>
		{{ else }}
			<p>No records stored for this run.</p>
		{{ end }}
	{{template "foot"}}
	`

	base := template.Must(template.New("layout").Funcs(funcs).Parse(layoutTmpl))
	run_list_template = template.Must(template.Must(base.Clone()).New("run_list").Parse(runListTmpl))
	run_page_template = template.Must(template.Must(base.Clone()).New("run_page").Parse(runPageTmpl))
}

type clusterSection struct {
	ID   int
	Rows []cluster.LabeledRecord
}

type runPage struct {
	Run      *db.Run
	Clusters []clusterSection
}

// sections groups rows by cluster id, unclustered last, keeping row order inside a cluster.
func sections(rows []cluster.LabeledRecord) []clusterSection {
	byID := map[int][]cluster.LabeledRecord{}
	for _, r := range rows {
		byID[r.Cluster] = append(byID[r.Cluster], r)
	}
	out := make([]clusterSection, 0, len(byID))
	for id, rs := range byID {
		out = append(out, clusterSection{ID: id, Rows: rs})
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].ID, out[j].ID
		if (a == table.NoCluster) != (b == table.NoCluster) {
			return b == table.NoCluster
		}
		return a < b
	})
	return out
}

func RenderRunList(w io.Writer, runs []*db.Run) error {
	if err := run_list_template.Execute(w, runs); err != nil {
		logger.Error("Error rendering run list", zap.Error(err))
		return err
	}
	return nil
}

func RenderRun(w io.Writer, run *db.Run, rows []cluster.LabeledRecord) error {
	page := runPage{Run: run, Clusters: sections(rows)}
	if err := run_page_template.Execute(w, page); err != nil {
		logger.Error("Error rendering run", zap.String("run_id", run.ID), zap.Error(err))
		return err
	}
	return nil
}

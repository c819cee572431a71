// Package viz draws the revision history of a stored preset.
package viz

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/automerge/automerge-go"
	"github.com/goccy/go-graphviz"
	"github.com/goccy/go-graphviz/cgraph"

	"github.com/astromechza/cuemix/pkg/preset"
)

// Revision is one commit in a preset document along with the console shape it held.
type Revision struct {
	Hash     string
	Actor    string
	Seq      uint64
	Message  string
	Deps     []string
	Mixes    int
	Channels int
}

func (r Revision) Label() string {
	shape := "no state"
	if r.Mixes > 0 {
		shape = fmt.Sprintf("%dx%d", r.Mixes, r.Channels)
	}
	return fmt.Sprintf("%s %s@%d %s %s", r.Hash[:8], r.Actor, r.Seq, r.Message, shape)
}

func Revisions(doc *automerge.Doc) ([]Revision, error) {
	changes, err := doc.Changes()
	if err != nil {
		return nil, fmt.Errorf("failed to generate changes: %w", err)
	}
	out := make([]Revision, 0, len(changes))
	for _, change := range changes {
		docAt, err := doc.Fork(change.Hash())
		if err != nil {
			return nil, fmt.Errorf("failed to checkout %s: %w", change.Hash(), err)
		}
		rev := Revision{
			Hash:    change.Hash().String(),
			Actor:   change.ActorID(),
			Seq:     change.ActorSeq(),
			Message: change.Message(),
		}
		for _, dep := range change.Dependencies() {
			rev.Deps = append(rev.Deps, dep.String())
		}
		// a change may only touch the name, in which case the state is not readable yet
		if state, err := preset.StateAt(docAt); err == nil {
			rev.Mixes, rev.Channels = len(state), state.ChannelCount()
		}
		out = append(out, rev)
	}
	return out, nil
}

// WriteDot writes the revisions as a graphviz digraph.
func WriteDot(w io.Writer, revs []Revision) error {
	if _, err := fmt.Fprintln(w, `digraph "history" {`); err != nil {
		return err
	}
	for _, rev := range revs {
		if _, err := fmt.Fprintf(w, "    %q [label=%q]\n", rev.Hash, rev.Label()); err != nil {
			return err
		}
		for _, dep := range rev.Deps {
			if _, err := fmt.Fprintf(w, "    %q -> %q\n", dep, rev.Hash); err != nil {
				return err
			}
		}
	}
	_, err := fmt.Fprintln(w, "}")
	return err
}

func RenderSvg(revs []Revision, outputPath string) error {
	g := graphviz.New()
	defer g.Close()
	graph, err := g.Graph()
	if err != nil {
		return fmt.Errorf("failed to setup graph: %w", err)
	}
	defer graph.Close()

	nodes := make(map[string]*cgraph.Node, len(revs))
	edges := 0
	for _, rev := range revs {
		n, err := graph.CreateNode(rev.Hash)
		if err != nil {
			return fmt.Errorf("failed to create node: %w", err)
		}
		n.SetLabel(rev.Label())
		nodes[rev.Hash] = n
		for _, dep := range rev.Deps {
			parent, ok := nodes[dep]
			if !ok {
				continue
			}
			edges++
			if _, err := graph.CreateEdge(strconv.Itoa(edges), parent, n); err != nil {
				return fmt.Errorf("failed to create edge: %w", err)
			}
		}
	}

	var buff bytes.Buffer
	if err := g.Render(graph, graphviz.SVG, &buff); err != nil {
		return fmt.Errorf("failed to render: %w", err)
	}
	if err := os.WriteFile(outputPath, buff.Bytes(), 0o644); err != nil {
		return fmt.Errorf("failed to write: %w", err)
	}
	return nil
}

// RenderToTemp renders into a new file in the temp dir and returns its path.
func RenderToTemp(revs []Revision) (string, error) {
	f, err := os.CreateTemp("", "cuemix-*.svg")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	_ = f.Close()
	if err := RenderSvg(revs, f.Name()); err != nil {
		return "", err
	}
	return f.Name(), nil
}

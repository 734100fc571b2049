package statemachine

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/pkg/errors"
)

// Node 图中的状态节点
type Node struct {
	ID       StateID
	Terminal bool // 转换表为空
	Task     bool
}

// Edge 图中的转换边
type Edge struct {
	From  StateID
	Event Event
	To    StateID
}

// Graph 从起始状态可达的静态状态图
type Graph struct {
	Start StateID
	Nodes []Node
	Edges []Edge
}

// BuildGraph 从start开始深度优先遍历状态定义，不构造任何实例。
// 已访问的目标只输出边不再递归；边按事件声明顺序排列。
func BuildGraph(reg *Registry, start StateID) (*Graph, error) {
	def, ok := reg.Lookup(start)
	if !ok {
		return nil, errors.Wrapf(ErrStateNotFound, "graph start %s", start)
	}

	g := &Graph{Start: start}
	visited := make(map[StateID]bool)
	if err := g.visit(reg, def, visited); err != nil {
		return nil, err
	}
	return g, nil
}

func (g *Graph) visit(reg *Registry, def *StateDef, visited map[StateID]bool) error {
	visited[def.id] = true

	table, err := def.Transitions()
	if err != nil {
		return err
	}
	g.Nodes = append(g.Nodes, Node{ID: def.id, Terminal: len(table) == 0, Task: def.IsTask()})

	for _, ev := range sortedEvents(table) {
		to := table[ev]
		next, ok := reg.Lookup(to)
		if !ok {
			return errors.Wrapf(ErrInvalidTransitionTarget, "state %s event %s -> %s", def.id, ev.label, to)
		}
		g.Edges = append(g.Edges, Edge{From: def.id, Event: ev, To: to})
		if visited[to] {
			continue
		}
		if err := g.visit(reg, next, visited); err != nil {
			return err
		}
	}
	return nil
}

// GraphStyle 图的文本格式
type GraphStyle interface {
	Header(w io.Writer, o *GraphOptions)
	Node(w io.Writer, n Node, o *GraphOptions)
	Edge(w io.Writer, e Edge, o *GraphOptions)
	Footer(w io.Writer, o *GraphOptions)
}

// GraphOptions 绘图选项
type GraphOptions struct {
	Style   GraphStyle
	Name    string
	RankDir string
	Loops   bool
	Start   StateID
	// Graph 本次绘制的状态图，由WriteGraph设置
	Graph   *Graph

	aliases map[StateID]string
}

// GraphOption 绘图选项函数
type GraphOption func(*GraphOptions)

// WithStyle 设置输出格式，默认DOTStyle
func WithStyle(s GraphStyle) GraphOption {
	return func(o *GraphOptions) {
		o.Style = s
	}
}

// WithoutLoops 不输出自环边
func WithoutLoops() GraphOption {
	return func(o *GraphOptions) {
		o.Loops = false
	}
}

// WithGraphName 设置图名
func WithGraphName(name string) GraphOption {
	return func(o *GraphOptions) {
		o.Name = name
	}
}

// WithRankDir 设置布局方向，如LR、TB
func WithRankDir(dir string) GraphOption {
	return func(o *GraphOptions) {
		o.RankDir = dir
	}
}

// WriteGraph 把从start可达的状态图写入w；出错时不写入任何内容
func WriteGraph(w io.Writer, reg *Registry, start StateID, opts ...GraphOption) error {
	g, err := BuildGraph(reg, start)
	if err != nil {
		return err
	}

	o := &GraphOptions{
		Style:   DOTStyle{},
		Name:    "StateMachine",
		RankDir: "LR",
		Loops:   true,
		Start:   start,
		Graph:   g,
	}
	for _, opt := range opts {
		opt(o)
	}

	var buf bytes.Buffer
	o.Style.Header(&buf, o)
	for _, n := range g.Nodes {
		o.Style.Node(&buf, n, o)
	}
	for _, e := range g.Edges {
		if !o.Loops && e.From == e.To {
			continue
		}
		o.Style.Edge(&buf, e, o)
	}
	o.Style.Footer(&buf, o)

	_, err = w.Write(buf.Bytes())
	return err
}

// RenderGraph 以字符串返回状态图
func RenderGraph(reg *Registry, start StateID, opts ...GraphOption) (string, error) {
	var sb strings.Builder
	if err := WriteGraph(&sb, reg, start, opts...); err != nil {
		return "", err
	}
	return sb.String(), nil
}

/* ------------------------------ DOT ------------------------------ */

var dotEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`)

func dotQuote(s string) string {
	return `"` + dotEscaper.Replace(s) + `"`
}

// DOTStyle Graphviz DOT格式
type DOTStyle struct{}

func (DOTStyle) Header(w io.Writer, o *GraphOptions) {
	fmt.Fprintf(w, "digraph %s {\n", dotQuote(o.Name))
	if o.RankDir != "" {
		fmt.Fprintf(w, "\trankdir=%s;\n", o.RankDir)
	}
	fmt.Fprint(w, "\tnode [shape=Mrecord];\n")
}

func (DOTStyle) Node(w io.Writer, n Node, o *GraphOptions) {
	attrs := "label=" + dotQuote(string(n.ID))
	if n.Terminal {
		attrs += ", peripheries=2"
	}
	if n.ID == o.Start {
		attrs += ", style=bold"
	}
	fmt.Fprintf(w, "\t%s [%s];\n", dotQuote(string(n.ID)), attrs)
}

func (DOTStyle) Edge(w io.Writer, e Edge, o *GraphOptions) {
	fmt.Fprintf(w, "\t%s -> %s [label=%s];\n", dotQuote(string(e.From)), dotQuote(string(e.To)), dotQuote(e.Event.label))
}

func (DOTStyle) Footer(w io.Writer, o *GraphOptions) {
	fmt.Fprint(w, "}\n")
}

/* ------------------------------ Mermaid ------------------------------ */

// mermaidID 把状态标识转换为Mermaid可接受的标识符
func mermaidID(id StateID) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			return r
		default:
			return '_'
		}
	}, string(id))
}

// mermaidAliases 为每个节点分配唯一的Mermaid标识，
// 转换后与其他节点冲突的标识追加_N后缀，本身合法的标识保持不变
func mermaidAliases(nodes []Node) map[StateID]string {
	valid := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		if mermaidID(n.ID) == string(n.ID) {
			valid[string(n.ID)] = true
		}
	}

	used := make(map[string]bool, len(nodes))
	aliases := make(map[StateID]string, len(nodes))
	for _, n := range nodes {
		name := mermaidID(n.ID)
		if name != string(n.ID) {
			base := name
			for i := 1; used[name] || valid[name]; i++ {
				name = fmt.Sprintf("%s_%d", base, i)
			}
		}
		used[name] = true
		aliases[n.ID] = name
	}
	return aliases
}

func (o *GraphOptions) mermaidAlias(id StateID) string {
	if o.aliases == nil {
		var nodes []Node
		if o.Graph != nil {
			nodes = o.Graph.Nodes
		}
		o.aliases = mermaidAliases(nodes)
	}
	if name, ok := o.aliases[id]; ok {
		return name
	}
	return mermaidID(id)
}

var mermaidEscaper = strings.NewReplacer(
	"\r\n", " ",
	"\n", " ",
	"\r", " ",
	":", "#58;",
	";", "#59;",
	`"`, "#quot;",
)

// mermaidText 转义描述文本中会破坏语法的字符
func mermaidText(s string) string {
	return mermaidEscaper.Replace(s)
}

// MermaidStyle Mermaid stateDiagram-v2格式
type MermaidStyle struct{}

func (MermaidStyle) Header(w io.Writer, o *GraphOptions) {
	fmt.Fprint(w, "stateDiagram-v2\n")
	if o.RankDir != "" {
		fmt.Fprintf(w, "\tdirection %s\n", o.RankDir)
	}
	fmt.Fprintf(w, "\t[*] --> %s\n", o.mermaidAlias(o.Start))
}

func (MermaidStyle) Node(w io.Writer, n Node, o *GraphOptions) {
	fmt.Fprintf(w, "\tstate \"%s\" as %s\n", mermaidText(string(n.ID)), o.mermaidAlias(n.ID))
	if n.Terminal {
		fmt.Fprintf(w, "\t%s --> [*]\n", o.mermaidAlias(n.ID))
	}
}

func (MermaidStyle) Edge(w io.Writer, e Edge, o *GraphOptions) {
	fmt.Fprintf(w, "\t%s --> %s : %s\n", o.mermaidAlias(e.From), o.mermaidAlias(e.To), mermaidText(e.Event.label))
}

func (MermaidStyle) Footer(w io.Writer, o *GraphOptions) {}

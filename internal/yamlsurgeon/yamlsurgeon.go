// Copyright 2021 The Chromium OS Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package yamlsurgeon is the YAML surgeon: a set of semantic operations used
// by migration scripts and by the modify sub-command, plus a lower-level
// generic path-addressed operation set. Every operation locates its target
// through a parsed *yaml.Node tree and updates that tree so later lookups
// see the new shape, but the tree is never written out: the actual edit is
// a byte-range splice into the original source
// buffer, computed from the target node's Line/Column (and, for newly
// appended content, the end of its preceding sibling). Save never
// re-marshals the whole document, so untouched regions - comments, key
// order, quoting, blank lines - survive byte-for-byte.
package yamlsurgeon

import (
	"bytes"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/tkdchen/pipeline-migration-tool/internal/pmterrors"
)

// edit is a single byte-range replacement against the document's original
// source: raw[start:end] is replaced with text. A zero-length range
// (start == end) is a pure insertion.
type edit struct {
	start, end int
	text       []byte
}

// Document wraps a parsed pipeline YAML file for in-place editing. Root is
// mutated as operations run (so subsequent lookups on the same Document see
// the new shape), but the bytes written by Save come from splicing edits
// into raw, never from re-marshaling Root.
type Document struct {
	Path string
	Root *yaml.Node

	indent      int
	raw         []byte
	lineOffsets []int
	edits       []edit
}

// Load reads and parses path, detecting its indent width from the first
// indented mapping/sequence entry so spliced-in fragments match the
// source's style.
func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &pmterrors.PipelineFileUnreadable{Path: path, Err: err}
	}
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, &pmterrors.PipelineFileUnparseable{Path: path, Err: err}
	}
	return &Document{
		Path:        path,
		Root:        &root,
		indent:      detectIndent(data),
		raw:         data,
		lineOffsets: computeLineOffsets(data),
	}, nil
}

func detectIndent(data []byte) int {
	lines := bytes.Split(data, []byte("\n"))
	for i := 1; i < len(lines); i++ {
		l := lines[i]
		n := 0
		for n < len(l) && l[n] == ' ' {
			n++
		}
		if n > 0 && n < len(l) {
			return n
		}
	}
	return 2
}

// Save splices every recorded edit into the document's original path. A
// Document against which nothing mutated records no edits and Save is a
// no-op: the file is left untouched, not merely rewritten identically.
func (d *Document) Save() error {
	return d.WriteTo(d.Path)
}

// WriteTo splices every recorded edit into the original bytes and writes
// the result to path.
func (d *Document) WriteTo(path string) error {
	if len(d.edits) == 0 {
		return nil
	}
	out, err := applyEdits(d.raw, d.edits)
	if err != nil {
		return fmt.Errorf("splice %s: %w", path, err)
	}
	return os.WriteFile(path, out, 0o644)
}

func applyEdits(raw []byte, edits []edit) ([]byte, error) {
	sorted := make([]edit, len(edits))
	copy(sorted, edits)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].start < sorted[j].start })

	var buf bytes.Buffer
	pos := 0
	for _, e := range sorted {
		if e.start < pos {
			return nil, fmt.Errorf("overlapping edit at byte %d", e.start)
		}
		buf.Write(raw[pos:e.start])
		buf.Write(e.text)
		pos = e.end
	}
	buf.Write(raw[pos:])
	return buf.Bytes(), nil
}

func (d *Document) recordEdit(start, end int, text []byte) {
	d.edits = append(d.edits, edit{start: start, end: end, text: text})
}

// computeLineOffsets returns the byte offset of the start of each line
// (1-indexed via lineOffsets[line-1]), matching yaml.Node.Line's numbering.
func computeLineOffsets(data []byte) []int {
	offsets := make([]int, 1, 64)
	offsets[0] = 0
	for i, b := range data {
		if b == '\n' {
			offsets = append(offsets, i+1)
		}
	}
	return offsets
}

func (d *Document) offsetAt(line, column int) int {
	if line-1 < 0 || line-1 >= len(d.lineOffsets) {
		return len(d.raw)
	}
	return d.lineOffsets[line-1] + column - 1
}

func (d *Document) offsetOf(n *yaml.Node) int {
	return d.offsetAt(n.Line, n.Column)
}

// lineStart returns the offset of the first byte of n's own line, so a
// deletion can remove the block-sequence dash or mapping indent that
// precedes n's own column.
func (d *Document) lineStart(n *yaml.Node) int {
	off := d.offsetOf(n)
	for off > 0 && d.raw[off-1] != '\n' {
		off--
	}
	return off
}

// lineEndAfter returns the offset just past the next newline at or after
// off, so a deletion consumes the trailing newline of the last line it
// covers and leaves no blank line behind.
func (d *Document) lineEndAfter(off int) int {
	for off < len(d.raw) && d.raw[off] != '\n' {
		off++
	}
	if off < len(d.raw) {
		off++
	}
	return off
}

func findClosingQuote(raw []byte, from int, q byte) int {
	for i := from; i < len(raw); i++ {
		if raw[i] != q {
			continue
		}
		if q == '\'' && i+1 < len(raw) && raw[i+1] == '\'' {
			i++
			continue
		}
		if q == '"' {
			backslashes := 0
			for j := i - 1; j >= from && raw[j] == '\\'; j-- {
				backslashes++
			}
			if backslashes%2 == 1 {
				continue
			}
		}
		return i
	}
	return len(raw) - 1
}

func plainScalarEnd(raw []byte, start int) int {
	i := start
	for i < len(raw) && raw[i] != '\n' {
		if raw[i] == ' ' && i+1 < len(raw) && raw[i+1] == '#' {
			break
		}
		i++
	}
	for i > start && (raw[i-1] == ' ' || raw[i-1] == '\t') {
		i--
	}
	return i
}

// subtreeEnd returns the offset just past the last byte n (or, recursively,
// its last content child) occupies in the original source. It is only
// meaningful for nodes that already exist on disk (valid Line/Column);
// freshly constructed nodes must never be passed in.
func (d *Document) subtreeEnd(n *yaml.Node) int {
	if len(n.Content) == 0 {
		if n.Kind == yaml.ScalarNode {
			return scalarSpanEnd(n, d.raw, d.offsetOf(n), d.lineOffsets)
		}
		// Empty inline collection, e.g. `params: []` or `taskRef: {}`.
		return d.offsetOf(n) + 2
	}
	return d.subtreeEnd(n.Content[len(n.Content)-1])
}

// scalarSpanEnd returns the offset just past n's own rendered token,
// stopping before a trailing inline comment, so replacing it never
// disturbs comments or later lines.
func scalarSpanEnd(n *yaml.Node, raw []byte, start int, lineOffsets []int) int {
	switch {
	case n.Style&yaml.DoubleQuotedStyle != 0:
		return findClosingQuote(raw, start+1, '"') + 1
	case n.Style&yaml.SingleQuotedStyle != 0:
		return findClosingQuote(raw, start+1, '\'') + 1
	case n.Style&(yaml.LiteralStyle|yaml.FoldedStyle) != 0:
		end := start
		for line := n.Line; line < len(lineOffsets); line++ {
			lineStart := lineOffsets[line]
			lineEnd := lineStart
			for lineEnd < len(raw) && raw[lineEnd] != '\n' {
				lineEnd++
			}
			content := raw[lineStart:lineEnd]
			trimmed := bytes.TrimLeft(content, " ")
			indent := len(content) - len(trimmed)
			if len(trimmed) > 0 && indent < n.Column {
				break
			}
			end = lineEnd
		}
		return end
	default:
		return plainScalarEnd(raw, start)
	}
}

// marshalNode renders n alone (no surrounding document markers) at the
// document's detected indent width.
func marshalNode(n *yaml.Node, indentWidth int) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(indentWidth)
	if err := enc.Encode(n); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// reindent shifts every line of b right by spaces columns.
func reindent(b []byte, spaces int) []byte {
	text := strings.TrimRight(string(b), "\n")
	if text == "" {
		return nil
	}
	prefix := strings.Repeat(" ", spaces)
	lines := strings.Split(text, "\n")
	for i, l := range lines {
		lines[i] = prefix + l
	}
	return []byte(strings.Join(lines, "\n"))
}

// renderValueInPlace renders value as it would appear starting at column
// col, but without indenting the first line: the caller's splice point
// already sits at that column in the original source, so only continuation
// lines (nested block content) need an explicit prefix.
func (d *Document) renderValueInPlace(value *yaml.Node, col int) ([]byte, error) {
	raw, err := marshalNode(value, d.indent)
	if err != nil {
		return nil, err
	}
	text := strings.TrimRight(string(raw), "\n")
	lines := strings.Split(text, "\n")
	prefix := strings.Repeat(" ", col-1)
	for i := 1; i < len(lines); i++ {
		lines[i] = prefix + lines[i]
	}
	return []byte(strings.Join(lines, "\n")), nil
}

// renderNewLine renders n as a brand new line (or lines) of the document,
// indenting every line including the first to col.
func (d *Document) renderNewLine(n *yaml.Node, col int) ([]byte, error) {
	raw, err := marshalNode(n, d.indent)
	if err != nil {
		return nil, err
	}
	return reindent(raw, col-1), nil
}

// root returns the document's top mapping node (skipping the document
// wrapper yaml.Unmarshal into *yaml.Node introduces).
func (d *Document) root() *yaml.Node {
	r := d.Root
	if r.Kind == yaml.DocumentNode && len(r.Content) > 0 {
		return r.Content[0]
	}
	return r
}

func mapGet(m *yaml.Node, key string) *yaml.Node {
	if m == nil || m.Kind != yaml.MappingNode {
		return nil
	}
	for i := 0; i+1 < len(m.Content); i += 2 {
		if m.Content[i].Value == key {
			return m.Content[i+1]
		}
	}
	return nil
}

func scalar(value string) *yaml.Node {
	return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: value}
}

// setMapValue overwrites key's value in m if present, splicing a
// replacement for the old value's on-disk span, or appends a new key/value
// pair after m's last existing child, splicing an insertion. Reports
// whether anything actually changed.
func (d *Document) setMapValue(m *yaml.Node, key string, value *yaml.Node) (bool, error) {
	for i := 0; i+1 < len(m.Content); i += 2 {
		if m.Content[i].Value != key {
			continue
		}
		old := m.Content[i+1]
		if value.Kind == yaml.ScalarNode && old.Kind == yaml.ScalarNode && old.Value == value.Value {
			return false, nil
		}
		start := d.offsetOf(old)
		end := d.subtreeEnd(old)
		frag, err := d.renderValueInPlace(value, old.Column)
		if err != nil {
			return false, err
		}
		d.recordEdit(start, end, frag)
		m.Content[i+1] = value
		return true, nil
	}

	if m.Style&yaml.FlowStyle != 0 {
		return d.appendFlowMapKey(m, key, value)
	}

	if len(m.Content) == 0 {
		return false, &pmterrors.Internal{Msg: "cannot append a key to an empty mapping"}
	}
	last := m.Content[len(m.Content)-1]
	insertPos := d.subtreeEnd(last)
	for insertPos < len(d.raw) && d.raw[insertPos] != '\n' {
		insertPos++ // keep a trailing inline comment on its own line
	}
	keyCol := m.Content[0].Column

	wrapper := &yaml.Node{Kind: yaml.MappingNode, Content: []*yaml.Node{scalar(key), value}}
	block, err := d.renderNewLine(wrapper, keyCol)
	if err != nil {
		return false, err
	}
	d.recordEdit(insertPos, insertPos, append([]byte("\n"), block...))
	m.Content = append(m.Content, scalar(key), value)
	return true, nil
}

// appendFlowMapKey re-renders m's entire on-disk span in block style with
// key/value appended, mirroring appendToListField's wasFlow branch: a flow
// mapping has no bracket position to splice a new pair into without
// producing malformed YAML (`{a: 1\n  b: 2}`), so the whole mapping is
// replaced instead of extended in place.
func (d *Document) appendFlowMapKey(m *yaml.Node, key string, value *yaml.Node) (bool, error) {
	newContent := make([]*yaml.Node, len(m.Content)+2)
	copy(newContent, m.Content)
	newContent[len(m.Content)] = scalar(key)
	newContent[len(m.Content)+1] = value
	replacement := &yaml.Node{Kind: yaml.MappingNode, Content: newContent}

	start := d.offsetOf(m)
	end := d.subtreeEnd(m)
	frag, err := d.renderValueInPlace(replacement, m.Column)
	if err != nil {
		return false, err
	}
	d.recordEdit(start, end, frag)
	m.Style = 0
	m.Content = newContent
	return true, nil
}

// deleteMapKey removes key from m, splicing out its whole on-disk line
// range. Reports whether the key was present.
func (d *Document) deleteMapKey(m *yaml.Node, key string) bool {
	for i := 0; i+1 < len(m.Content); i += 2 {
		if m.Content[i].Value != key {
			continue
		}
		keyNode, valueNode := m.Content[i], m.Content[i+1]
		start := d.lineStart(keyNode)
		end := d.lineEndAfter(d.subtreeEnd(valueNode))
		d.recordEdit(start, end, nil)
		m.Content = append(m.Content[:i], m.Content[i+2:]...)
		return true
	}
	return false
}

// appendToListField appends item to the sequence at key under owner,
// creating the sequence (and the key) if absent, and converting a flow-style
// or empty sequence to block style by re-rendering its whole new contents
// rather than trying to splice an item into bracket notation.
func (d *Document) appendToListField(owner *yaml.Node, key string, item *yaml.Node) error {
	seq := mapGet(owner, key)
	if seq == nil {
		_, err := d.setMapValue(owner, key, &yaml.Node{Kind: yaml.SequenceNode, Content: []*yaml.Node{item}})
		return err
	}
	wasFlow := seq.Style&yaml.FlowStyle != 0
	if wasFlow || len(seq.Content) == 0 {
		newContent := make([]*yaml.Node, len(seq.Content)+1)
		copy(newContent, seq.Content)
		newContent[len(seq.Content)] = item
		_, err := d.setMapValue(owner, key, &yaml.Node{Kind: yaml.SequenceNode, Content: newContent})
		return err
	}
	return d.appendSeqItem(seq, item)
}

// appendSeqItem splices item in after seq's last existing entry, matching
// its dash column.
func (d *Document) appendSeqItem(seq *yaml.Node, item *yaml.Node) error {
	last := seq.Content[len(seq.Content)-1]
	insertPos := d.subtreeEnd(last)
	for insertPos < len(d.raw) && d.raw[insertPos] != '\n' {
		insertPos++ // keep a trailing inline comment on its own line
	}
	dashCol := last.Column - 2
	if dashCol < 1 {
		dashCol = 1
	}
	wrapper := &yaml.Node{Kind: yaml.SequenceNode, Content: []*yaml.Node{item}}
	block, err := d.renderNewLine(wrapper, dashCol)
	if err != nil {
		return err
	}
	d.recordEdit(insertPos, insertPos, append([]byte("\n"), block...))
	seq.Content = append(seq.Content, item)
	return nil
}

// insertSeqItemAt splices item in immediately before the entry currently at
// idx. idx must be a valid existing index; appending past the end goes
// through appendSeqItem/appendToListField instead.
func (d *Document) insertSeqItemAt(seq *yaml.Node, idx int, item *yaml.Node) error {
	before := seq.Content[idx]
	pos := d.lineStart(before)
	dashCol := before.Column - 2
	if dashCol < 1 {
		dashCol = 1
	}
	wrapper := &yaml.Node{Kind: yaml.SequenceNode, Content: []*yaml.Node{item}}
	block, err := d.renderNewLine(wrapper, dashCol)
	if err != nil {
		return err
	}
	d.recordEdit(pos, pos, append(block, '\n'))

	newContent := make([]*yaml.Node, 0, len(seq.Content)+1)
	newContent = append(newContent, seq.Content[:idx]...)
	newContent = append(newContent, item)
	newContent = append(newContent, seq.Content[idx:]...)
	seq.Content = newContent
	return nil
}

// setSeqItem overwrites the entry at idx, splicing a replacement for its
// on-disk span.
func (d *Document) setSeqItem(seq *yaml.Node, idx int, item *yaml.Node) error {
	old := seq.Content[idx]
	start := d.offsetOf(old)
	end := d.subtreeEnd(old)
	frag, err := d.renderValueInPlace(item, old.Column)
	if err != nil {
		return err
	}
	d.recordEdit(start, end, frag)
	seq.Content[idx] = item
	return nil
}

// deleteSeqItem removes the entry at idx, splicing out its whole on-disk
// line range.
func (d *Document) deleteSeqItem(seq *yaml.Node, idx int) {
	item := seq.Content[idx]
	start := d.lineStart(item)
	end := d.lineEndAfter(d.subtreeEnd(item))
	d.recordEdit(start, end, nil)
	seq.Content = append(seq.Content[:idx], seq.Content[idx+1:]...)
}

// setScalarValue overwrites n's own scalar token in place, preserving its
// quoting style, and updates the tree to match.
func (d *Document) setScalarValue(n *yaml.Node, newValue string) error {
	if n.Value == newValue {
		return nil
	}
	start := d.offsetOf(n)
	end := d.subtreeEnd(n)
	replacement := &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: newValue, Style: n.Style}
	frag, err := d.renderValueInPlace(replacement, n.Column)
	if err != nil {
		return err
	}
	d.recordEdit(start, end, frag)
	n.Value = newValue
	return nil
}

// pipelineSpecNode returns the node holding `tasks`, whether the document
// is a bare Pipeline or a PipelineRun with an inline pipelineSpec.
func (d *Document) pipelineSpecNode() (*yaml.Node, error) {
	top := d.root()
	kind := mapGet(top, "kind")
	if kind == nil {
		return nil, &pmterrors.YAMLSurgeryConflict{Msg: "document has no kind"}
	}
	spec := mapGet(top, "spec")
	if spec == nil {
		return nil, &pmterrors.YAMLSurgeryConflict{Msg: "document has no spec"}
	}
	switch kind.Value {
	case "Pipeline":
		return spec, nil
	case "PipelineRun":
		if inline := mapGet(spec, "pipelineSpec"); inline != nil {
			return inline, nil
		}
		return nil, &pmterrors.YAMLSurgeryConflict{Msg: "PipelineRun has no inline pipelineSpec"}
	default:
		return nil, &pmterrors.YAMLSurgeryConflict{Msg: fmt.Sprintf("unsupported kind %q", kind.Value)}
	}
}

// findTask returns the mapping node for the task named name under
// spec.tasks.
func (d *Document) findTask(name string) (*yaml.Node, error) {
	spec, err := d.pipelineSpecNode()
	if err != nil {
		return nil, err
	}
	tasks := mapGet(spec, "tasks")
	if tasks == nil || tasks.Kind != yaml.SequenceNode {
		return nil, &pmterrors.YAMLSurgeryConflict{Msg: "spec has no tasks list"}
	}
	for _, t := range tasks.Content {
		if n := mapGet(t, "name"); n != nil && n.Value == name {
			return t, nil
		}
	}
	return nil, &pmterrors.YAMLSurgeryConflict{Msg: fmt.Sprintf("no task named %q", name)}
}

// AddParam implements task.<name>.add-param: append a {name, value} entry
// to the task's params list. No-op if a param by that name already exists
// with the same value; a YAMLSurgeryConflict if it exists with a different
// value, unless replace is true. Reports whether the document changed.
func (d *Document) AddParam(taskName, key, value string, replace bool) (bool, error) {
	task, err := d.findTask(taskName)
	if err != nil {
		return false, err
	}
	params := mapGet(task, "params")
	if params != nil {
		for _, p := range params.Content {
			if n := mapGet(p, "name"); n == nil || n.Value != key {
				continue
			}
			existing := mapGet(p, "value")
			if existing != nil && existing.Value == value {
				return false, nil
			}
			if !replace {
				return false, &pmterrors.YAMLSurgeryConflict{Msg: fmt.Sprintf("param %q already exists with a different value", key)}
			}
			valueNode := mapGet(p, "value")
			if err := d.setScalarValue(valueNode, value); err != nil {
				return false, err
			}
			return true, nil
		}
	}
	entry := paramEntry(key, value)
	if err := d.appendToListField(task, "params", entry); err != nil {
		return false, err
	}
	return true, nil
}

// SetParam implements task.<name>.set-param: overwrite an existing param's
// value, or append it if missing.
func (d *Document) SetParam(taskName, key, value string) (bool, error) {
	task, err := d.findTask(taskName)
	if err != nil {
		return false, err
	}
	params := mapGet(task, "params")
	if params != nil {
		for _, p := range params.Content {
			if n := mapGet(p, "name"); n != nil && n.Value == key {
				valueNode := mapGet(p, "value")
				if valueNode.Value == value {
					return false, nil
				}
				if err := d.setScalarValue(valueNode, value); err != nil {
					return false, err
				}
				return true, nil
			}
		}
	}
	if err := d.appendToListField(task, "params", paramEntry(key, value)); err != nil {
		return false, err
	}
	return true, nil
}

// RemoveParam implements task.<name>.remove-param.
func (d *Document) RemoveParam(taskName, key string) (bool, error) {
	task, err := d.findTask(taskName)
	if err != nil {
		return false, err
	}
	params := mapGet(task, "params")
	if params == nil || params.Kind != yaml.SequenceNode {
		return false, &pmterrors.YAMLSurgeryConflict{Msg: fmt.Sprintf("task %q has no params", taskName)}
	}
	for i, p := range params.Content {
		if n := mapGet(p, "name"); n != nil && n.Value == key {
			d.deleteSeqItem(params, i)
			return true, nil
		}
	}
	return false, &pmterrors.YAMLSurgeryConflict{Msg: fmt.Sprintf("task %q has no param %q", taskName, key)}
}

// AddRunAfter implements task.<name>.add-run-after: idempotent append to
// runAfter.
func (d *Document) AddRunAfter(taskName, ref string) (bool, error) {
	task, err := d.findTask(taskName)
	if err != nil {
		return false, err
	}
	runAfter := mapGet(task, "runAfter")
	if runAfter != nil {
		for _, r := range runAfter.Content {
			if r.Value == ref {
				return false, nil
			}
		}
	}
	if err := d.appendToListField(task, "runAfter", scalar(ref)); err != nil {
		return false, err
	}
	return true, nil
}

// Path is a generic YAML path: a sequence of mapping keys (string) or
// sequence indices (int).
type Path []any

// navigate walks path from the document root to its parent and returns the
// parent node plus the final path element (to act on).
func (d *Document) navigate(path Path) (*yaml.Node, any, error) {
	if len(path) == 0 {
		return nil, nil, &pmterrors.YAMLSurgeryConflict{Msg: "empty path"}
	}
	cur := d.root()
	for _, elem := range path[:len(path)-1] {
		next, err := step(cur, elem)
		if err != nil {
			return nil, nil, err
		}
		cur = next
	}
	return cur, path[len(path)-1], nil
}

func step(cur *yaml.Node, elem any) (*yaml.Node, error) {
	switch e := elem.(type) {
	case string:
		n := mapGet(cur, e)
		if n == nil {
			return nil, &pmterrors.YAMLSurgeryConflict{Msg: fmt.Sprintf("path key %q not found", e)}
		}
		return n, nil
	case int:
		if cur.Kind != yaml.SequenceNode || e < 0 || e >= len(cur.Content) {
			return nil, &pmterrors.YAMLSurgeryConflict{Msg: fmt.Sprintf("path index %d out of range", e)}
		}
		return cur.Content[e], nil
	default:
		return nil, &pmterrors.Internal{Msg: "path element is neither string nor int"}
	}
}

// Insert implements the generic insert(path, value) operation: set a new
// mapping key, or insert a sequence item at (or past) the given index.
func (d *Document) Insert(path Path, value string) (bool, error) {
	parent, last, err := d.navigate(path)
	if err != nil {
		return false, err
	}
	switch key := last.(type) {
	case string:
		if parent.Kind != yaml.MappingNode {
			return false, &pmterrors.YAMLSurgeryConflict{Msg: "insert target parent is not a mapping"}
		}
		return d.setMapValue(parent, key, scalar(value))
	case int:
		if parent.Kind != yaml.SequenceNode {
			return false, &pmterrors.YAMLSurgeryConflict{Msg: "insert target parent is not a sequence"}
		}
		if key >= len(parent.Content) {
			if len(parent.Content) == 0 {
				return false, &pmterrors.Internal{Msg: "cannot insert into an empty sequence by index"}
			}
			return true, d.appendSeqItem(parent, scalar(value))
		}
		return true, d.insertSeqItemAt(parent, key, scalar(value))
	default:
		return false, &pmterrors.Internal{Msg: "path element is neither string nor int"}
	}
}

// Replace implements the generic replace(path, value) operation.
func (d *Document) Replace(path Path, value string) (bool, error) {
	parent, last, err := d.navigate(path)
	if err != nil {
		return false, err
	}
	switch key := last.(type) {
	case string:
		existing := mapGet(parent, key)
		if existing == nil {
			return false, &pmterrors.YAMLSurgeryConflict{Msg: fmt.Sprintf("replace target %q does not exist", key)}
		}
		return d.setMapValue(parent, key, scalar(value))
	case int:
		if parent.Kind != yaml.SequenceNode || key < 0 || key >= len(parent.Content) {
			return false, &pmterrors.YAMLSurgeryConflict{Msg: "replace target index out of range"}
		}
		if err := d.setSeqItem(parent, key, scalar(value)); err != nil {
			return false, err
		}
		return true, nil
	default:
		return false, &pmterrors.Internal{Msg: "path element is neither string nor int"}
	}
}

// Remove implements the generic remove(path) operation.
func (d *Document) Remove(path Path) (bool, error) {
	parent, last, err := d.navigate(path)
	if err != nil {
		return false, err
	}
	switch key := last.(type) {
	case string:
		if !d.deleteMapKey(parent, key) {
			return false, &pmterrors.YAMLSurgeryConflict{Msg: fmt.Sprintf("remove target %q does not exist", key)}
		}
		return true, nil
	case int:
		if parent.Kind != yaml.SequenceNode || key < 0 || key >= len(parent.Content) {
			return false, &pmterrors.YAMLSurgeryConflict{Msg: "remove target index out of range"}
		}
		d.deleteSeqItem(parent, key)
		return true, nil
	default:
		return false, &pmterrors.Internal{Msg: "path element is neither string nor int"}
	}
}

// TaskConfig is the task entry add-task constructs before handing it to
// AddTask: a Tekton bundle-resolver taskRef plus optional params and
// runAfter.
type TaskConfig struct {
	PipelineTaskName string
	ActualTaskName   string
	BundleRef        string
	Params           [][2]string
	RunAfter         []string
	SkipChecks       bool
	AddToFinally     bool
}

// AddTask implements the add-task flow: build the task entry and append it
// to spec.tasks (or spec.pipelineSpec.tasks, or the finally list), skipping
// with no error if a task under either name is already present, matching
// the idempotence the CLI's add-task documents.
func (d *Document) AddTask(cfg TaskConfig) (bool, error) {
	spec, err := d.pipelineSpecNode()
	if err != nil {
		return false, err
	}
	section := "tasks"
	if cfg.AddToFinally {
		section = "finally"
	}
	list := mapGet(spec, section)

	pipelineNames, actualNames := existingTaskNames(list)
	for _, ref := range cfg.RunAfter {
		if !pipelineNames[ref] {
			return false, &pmterrors.YAMLSurgeryConflict{Msg: fmt.Sprintf("task %q referenced by run-after does not exist", ref)}
		}
	}
	if pipelineNames[cfg.PipelineTaskName] || actualNames[cfg.ActualTaskName] {
		return false, nil
	}

	if err := d.appendToListField(spec, section, buildTaskNode(cfg)); err != nil {
		return false, err
	}
	return true, nil
}

func existingTaskNames(list *yaml.Node) (pipelineNames, actualNames map[string]bool) {
	pipelineNames, actualNames = map[string]bool{}, map[string]bool{}
	if list == nil {
		return pipelineNames, actualNames
	}
	for _, t := range list.Content {
		if n := mapGet(t, "name"); n != nil {
			pipelineNames[n.Value] = true
		}
		taskRef := mapGet(t, "taskRef")
		if taskRef == nil {
			continue
		}
		resolver := mapGet(taskRef, "resolver")
		if resolver == nil || resolver.Value != "bundles" {
			continue
		}
		params := mapGet(taskRef, "params")
		if params == nil || params.Kind != yaml.SequenceNode {
			continue
		}
		for _, p := range params.Content {
			nameNode, valueNode := mapGet(p, "name"), mapGet(p, "value")
			if nameNode != nil && nameNode.Value == "name" && valueNode != nil {
				actualNames[valueNode.Value] = true
			}
		}
	}
	return pipelineNames, actualNames
}

func buildTaskNode(cfg TaskConfig) *yaml.Node {
	task := &yaml.Node{Kind: yaml.MappingNode}
	task.Content = append(task.Content, scalar("name"), scalar(cfg.PipelineTaskName))

	taskRef := &yaml.Node{Kind: yaml.MappingNode}
	taskRef.Content = append(taskRef.Content, scalar("resolver"), scalar("bundles"))
	params := &yaml.Node{Kind: yaml.SequenceNode}
	params.Content = append(params.Content, paramEntry("kind", "task"), paramEntry("name", cfg.ActualTaskName), paramEntry("bundle", cfg.BundleRef))
	taskRef.Content = append(taskRef.Content, scalar("params"), params)
	task.Content = append(task.Content, scalar("taskRef"), taskRef)

	if len(cfg.Params) > 0 {
		taskParams := &yaml.Node{Kind: yaml.SequenceNode}
		for _, kv := range cfg.Params {
			taskParams.Content = append(taskParams.Content, paramEntry(kv[0], kv[1]))
		}
		task.Content = append(task.Content, scalar("params"), taskParams)
	}
	if len(cfg.RunAfter) > 0 {
		runAfter := &yaml.Node{Kind: yaml.SequenceNode}
		for _, r := range cfg.RunAfter {
			runAfter.Content = append(runAfter.Content, scalar(r))
		}
		task.Content = append(task.Content, scalar("runAfter"), runAfter)
	}
	if cfg.SkipChecks {
		when := &yaml.Node{Kind: yaml.SequenceNode}
		whenEntry := &yaml.Node{Kind: yaml.MappingNode}
		whenEntry.Content = append(whenEntry.Content, scalar("input"), scalar("$(params.skip-checks)"))
		whenEntry.Content = append(whenEntry.Content, scalar("operator"), scalar("in"))
		values := &yaml.Node{Kind: yaml.SequenceNode}
		values.Content = append(values.Content, &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: "false", Style: yaml.DoubleQuotedStyle})
		whenEntry.Content = append(whenEntry.Content, scalar("values"), values)
		when.Content = append(when.Content, whenEntry)
		task.Content = append(task.Content, scalar("when"), when)
	}
	return task
}

func paramEntry(name, value string) *yaml.Node {
	n := &yaml.Node{Kind: yaml.MappingNode}
	n.Content = append(n.Content, scalar("name"), scalar(name), scalar("value"), scalar(value))
	return n
}

// ReplaceBundleRefs rewrites every task-bundle reference pointing at
// repository to newRef, whether expressed via the legacy
// `taskRef.bundle: <ref>` field or the resolver-params shape
// (`taskRef: {resolver: bundles, params: [{name: bundle, value: <ref>}]}`).
// It returns the number of references rewritten.
func (d *Document) ReplaceBundleRefs(repository, newRef string) (int, error) {
	spec, err := d.pipelineSpecNode()
	if err != nil {
		return 0, err
	}
	tasks := mapGet(spec, "tasks")
	if tasks == nil || tasks.Kind != yaml.SequenceNode {
		return 0, &pmterrors.YAMLSurgeryConflict{Msg: "spec has no tasks list"}
	}
	count := 0
	for _, t := range tasks.Content {
		taskRef := mapGet(t, "taskRef")
		if taskRef == nil || taskRef.Kind != yaml.MappingNode {
			continue
		}
		if legacy := mapGet(taskRef, "bundle"); legacy != nil && refMatches(legacy.Value, repository) {
			if err := d.setScalarValue(legacy, newRef); err != nil {
				return count, err
			}
			count++
			continue
		}
		if params := mapGet(taskRef, "params"); params != nil && params.Kind == yaml.SequenceNode {
			for _, p := range params.Content {
				nameNode := mapGet(p, "name")
				valueNode := mapGet(p, "value")
				if nameNode == nil || nameNode.Value != "bundle" || valueNode == nil || !refMatches(valueNode.Value, repository) {
					continue
				}
				if err := d.setScalarValue(valueNode, newRef); err != nil {
					return count, err
				}
				count++
			}
		}
	}
	return count, nil
}

func refMatches(ref, repository string) bool {
	for i := 0; i < len(ref); i++ {
		if ref[i] == '@' || ref[i] == ':' {
			return ref[:i] == repository
		}
	}
	return ref == repository
}

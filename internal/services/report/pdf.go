// -----------------------------------------------------------------------
// PDF rendering - Walks the report markdown AST into fpdf primitives
// -----------------------------------------------------------------------

package report

import (
	"bytes"
	"fmt"

	"github.com/go-pdf/fpdf"
	"github.com/yuin/goldmark/ast"
	extast "github.com/yuin/goldmark/extension/ast"
	"github.com/yuin/goldmark/text"
)

const (
	pageMargin = 10.0
	bodyWidth  = 210.0 - 2*pageMargin // A4 portrait
	bodyFont   = "Arial"
	codeFont   = "Courier"
	bodySize   = 9.0
	tableSize  = 8.0
	lineHt     = 5.0
)

// renderPDF parses the composed markdown and walks the AST into a PDF.
// Layout is deliberately simple: headings, paragraphs, emphasis, code,
// lists and tables cover everything the composer emits.
func (s *Service) renderPDF(source, title string) ([]byte, error) {
	pdf := fpdf.New("P", "mm", "A4", "")
	pdf.SetTitle(title, true)
	pdf.SetMargins(pageMargin, pageMargin, pageMargin)
	pdf.SetAutoPageBreak(true, pageMargin)
	pdf.AddPage()
	pdf.SetFont(bodyFont, "", bodySize)

	raw := []byte(source)
	doc := s.md.Parser().Parse(text.NewReader(raw))

	walker := &pdfWalker{pdf: pdf, source: raw}
	if err := ast.Walk(doc, walker.visit); err != nil {
		return nil, fmt.Errorf("failed to walk markdown: %w", err)
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("failed to generate PDF output: %w", err)
	}
	return buf.Bytes(), nil
}

// pdfWalker carries font state across the walk
type pdfWalker struct {
	pdf       *fpdf.Fpdf
	source    []byte
	bold      bool
	italic    bool
	listDepth int
}

func (w *pdfWalker) applyFont() {
	style := ""
	if w.bold {
		style += "B"
	}
	if w.italic {
		style += "I"
	}
	w.pdf.SetFont(bodyFont, style, bodySize)
}

func (w *pdfWalker) visit(n ast.Node, entering bool) (ast.WalkStatus, error) {
	switch node := n.(type) {
	case *ast.Heading:
		if entering {
			w.pdf.Ln(6)
			w.pdf.SetFont(bodyFont, "B", headingSize(node.Level))
		} else {
			w.pdf.Ln(6)
			w.applyFont()
		}

	case *ast.Paragraph:
		if !entering {
			w.pdf.Ln(7)
		}

	case *ast.Text:
		if entering {
			w.pdf.Write(lineHt, string(node.Text(w.source)))
			// Wrapped source lines otherwise run their words together
			if node.HardLineBreak() {
				w.pdf.Ln(lineHt)
			} else if node.SoftLineBreak() {
				w.pdf.Write(lineHt, " ")
			}
		}

	case *ast.AutoLink:
		// Linkified bare URLs carry their text in the node itself
		if entering {
			w.pdf.Write(lineHt, string(node.URL(w.source)))
		}

	case *ast.Emphasis:
		if node.Level == 2 {
			w.bold = entering
		} else {
			w.italic = entering
		}
		w.applyFont()

	case *ast.CodeSpan:
		if entering {
			w.pdf.SetFont(codeFont, "", bodySize)
			for c := node.FirstChild(); c != nil; c = c.NextSibling() {
				if textNode, ok := c.(*ast.Text); ok {
					w.pdf.Write(lineHt, string(textNode.Segment.Value(w.source)))
				}
			}
		} else {
			w.applyFont()
		}
		return ast.WalkSkipChildren, nil

	case *ast.FencedCodeBlock:
		if entering {
			w.codeBlock(node.Lines())
			return ast.WalkSkipChildren, nil
		}

	case *ast.CodeBlock:
		if entering {
			w.codeBlock(node.Lines())
			return ast.WalkSkipChildren, nil
		}

	case *ast.Blockquote:
		if entering {
			w.pdf.Ln(2)
			w.italic = true
		} else {
			w.italic = false
			w.pdf.Ln(2)
		}
		w.applyFont()

	case *ast.List:
		if entering {
			w.listDepth++
		} else {
			w.listDepth--
			if w.listDepth == 0 {
				w.pdf.Ln(2)
			}
		}

	case *ast.ListItem:
		if entering {
			w.pdf.Ln(lineHt)
			w.pdf.SetX(pageMargin + float64(w.listDepth)*5)
			w.pdf.Write(lineHt, "- ")
		}

	case *ast.ThematicBreak:
		if entering {
			w.pdf.Ln(2)
			w.pdf.Line(pageMargin, w.pdf.GetY(), 210-pageMargin, w.pdf.GetY())
			w.pdf.Ln(2)
		}

	case *extast.Table:
		if entering {
			w.table(node)
			return ast.WalkSkipChildren, nil
		}
	}

	return ast.WalkContinue, nil
}

func headingSize(level int) float64 {
	switch level {
	case 1:
		return 14
	case 2:
		return 12
	case 3:
		return 11
	default:
		return 10
	}
}

func (w *pdfWalker) codeBlock(lines *text.Segments) {
	w.pdf.Ln(2)
	w.pdf.SetFont(codeFont, "", tableSize)
	w.pdf.SetFillColor(245, 245, 245)

	for i := 0; i < lines.Len(); i++ {
		line := lines.At(i)
		w.pdf.MultiCell(0, 4, string(line.Value(w.source)), "", "L", true)
	}

	w.pdf.SetFillColor(255, 255, 255)
	w.applyFont()
	w.pdf.Ln(2)
}

// table renders rows as single-line bordered cells. The header hangs its
// cells directly off the TableHeader node, body rows off TableRows.
func (w *pdfWalker) table(node *extast.Table) {
	var rows [][]string
	for child := node.FirstChild(); child != nil; child = child.NextSibling() {
		switch child.(type) {
		case *extast.TableHeader, *extast.TableRow:
			rows = append(rows, w.rowCells(child))
		}
	}
	if len(rows) == 0 || len(rows[0]) == 0 {
		return
	}

	w.pdf.Ln(2)
	w.pdf.SetFont(bodyFont, "", tableSize)
	widths := w.columnWidths(rows, len(rows[0]))

	for i, row := range rows {
		if i == 0 {
			w.pdf.SetFont(bodyFont, "B", tableSize)
			w.pdf.SetFillColor(230, 230, 230)
		} else {
			w.pdf.SetFont(bodyFont, "", tableSize)
			w.pdf.SetFillColor(255, 255, 255)
		}
		for j, width := range widths {
			cell := ""
			if j < len(row) {
				cell = row[j]
			}
			w.pdf.CellFormat(width, 6, w.clip(cell, width-2), "1", 0, "L", i == 0, 0, "")
		}
		w.pdf.Ln(-1)
	}

	w.pdf.SetFillColor(255, 255, 255)
	w.pdf.Ln(3)
	w.applyFont()
}

func (w *pdfWalker) rowCells(n ast.Node) []string {
	var row []string
	for cell := n.FirstChild(); cell != nil; cell = cell.NextSibling() {
		if _, ok := cell.(*extast.TableCell); ok {
			row = append(row, string(cell.Text(w.source)))
		}
	}
	return row
}

// columnWidths sizes columns by their widest cell, scaled down to the
// printable width when the natural sizes overflow
func (w *pdfWalker) columnWidths(rows [][]string, cols int) []float64 {
	widths := make([]float64, cols)
	for _, row := range rows {
		for j := 0; j < cols && j < len(row); j++ {
			if sw := w.pdf.GetStringWidth(row[j]); sw > widths[j] {
				widths[j] = sw
			}
		}
	}

	total := 0.0
	for j := range widths {
		widths[j] += 4
		if widths[j] < 16 {
			widths[j] = 16
		}
		total += widths[j]
	}
	if total > bodyWidth {
		scale := bodyWidth / total
		for j := range widths {
			widths[j] *= scale
		}
	}
	return widths
}

// clip shortens cell text to one line with a trailing ellipsis
func (w *pdfWalker) clip(s string, width float64) string {
	if w.pdf.GetStringWidth(s) <= width {
		return s
	}
	runes := []rune(s)
	for len(runes) > 0 && w.pdf.GetStringWidth(string(runes)+"...") > width {
		runes = runes[:len(runes)-1]
	}
	return string(runes) + "..."
}

package core

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/orrn/labeld/internal/config"
	"github.com/orrn/labeld/internal/label"
)

var ErrLabelTooSmall = errors.New("label too small for qr code and text")

const (
	// A UUID string needs a version 3 symbol at error correction level M.
	qrModules = 29

	// Font "3" is 16x24 dots.
	textFont       = "3"
	textCharWidth  = 16
	textCharHeight = 24

	marginMM  = 1.5
	textGapMM = 1.0
)

var variablePattern = regexp.MustCompile(`\{\{(\w+)\}\}`)

type LabelSchema struct {
	WidthMM  float64
	HeightMM float64
	GapMM    float64
	DPI      int
	Elements []LabelElement
}

type LabelElement struct {
	Type     string
	X        int
	Y        int
	Content  string
	Font     string
	Rotation int
	XScale   int
	YScale   int

	Level     string
	CellWidth int
}

// TSPL2Renderer turns an identity into a TSPL2 program: the token as a QR
// code with the human code printed underneath.
type TSPL2Renderer struct {
	schema *LabelSchema
}

func NewTSPL2Renderer(cfg config.PrinterConfig) (*TSPL2Renderer, error) {
	schema, err := layoutSchema(cfg)
	if err != nil {
		return nil, err
	}
	return &TSPL2Renderer{schema: schema}, nil
}

func layoutSchema(cfg config.PrinterConfig) (*LabelSchema, error) {
	dpi := cfg.DPI
	if dpi == 0 {
		dpi = 203
	}

	widthDots := mmToDots(cfg.LabelWidthMM, dpi)
	heightDots := mmToDots(cfg.LabelHeightMM, dpi)
	margin := mmToDots(marginMM, dpi)
	textGap := mmToDots(textGapMM, dpi)

	textWidth := label.CodeLength * textCharWidth
	if textWidth > widthDots-2*margin {
		return nil, fmt.Errorf("%w: %.1fmm wide label cannot fit %d characters", ErrLabelTooSmall, cfg.LabelWidthMM, label.CodeLength)
	}

	side := heightDots - 2*margin - textGap - textCharHeight
	if w := widthDots - 2*margin; w < side {
		side = w
	}

	cell := cfg.QRCellWidth
	if cell == 0 {
		cell = side / qrModules
	}
	if cell < 1 || cell*qrModules > side {
		return nil, fmt.Errorf("%w: %.1fx%.1fmm at %d dpi leaves %d dots for the qr code",
			ErrLabelTooSmall, cfg.LabelWidthMM, cfg.LabelHeightMM, dpi, side)
	}
	if cell > 10 {
		cell = 10
	}

	qrSize := cell * qrModules

	return &LabelSchema{
		WidthMM:  cfg.LabelWidthMM,
		HeightMM: cfg.LabelHeightMM,
		GapMM:    cfg.GapMM,
		DPI:      dpi,
		Elements: []LabelElement{
			{
				Type:      "qrcode",
				X:         (widthDots - qrSize) / 2,
				Y:         margin,
				Level:     "M",
				CellWidth: cell,
				Content:   "{{id}}",
			},
			{
				Type:    "text",
				X:       (widthDots - textWidth) / 2,
				Y:       margin + qrSize + textGap,
				Font:    textFont,
				Content: "{{code}}",
			},
		},
	}, nil
}

func (g *TSPL2Renderer) Render(ctx context.Context, id label.Identity) (*Artifact, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	program, err := g.Generate(map[string]string{
		"id":   id.ID.String(),
		"code": id.Code,
	})
	if err != nil {
		return nil, err
	}

	return &Artifact{
		Identity:    id,
		ContentType: "application/x-tspl2",
		Data:        []byte(program),
	}, nil
}

func (g *TSPL2Renderer) Generate(variables map[string]string) (string, error) {
	schema := g.schema

	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("SIZE %.1f mm, %.1f mm\r\n", schema.WidthMM, schema.HeightMM))
	sb.WriteString(fmt.Sprintf("GAP %.1f mm, 0 mm\r\n", schema.GapMM))
	sb.WriteString("DIRECTION 0\r\n")
	sb.WriteString("CLS\r\n")

	for _, elem := range schema.Elements {
		cmd, err := g.generateElement(&elem, variables)
		if err != nil {
			return "", fmt.Errorf("error generating %s element: %w", elem.Type, err)
		}
		sb.WriteString(cmd)
		sb.WriteString("\r\n")
	}

	sb.WriteString("PRINT 1\r\n")
	return sb.String(), nil
}

func (g *TSPL2Renderer) generateElement(elem *LabelElement, variables map[string]string) (string, error) {
	content, err := substituteVariables(elem.Content, variables)
	if err != nil {
		return "", err
	}
	content = escapeTSPLString(content)

	switch elem.Type {
	case "text":
		return generateText(elem, content), nil
	case "qrcode":
		return generateQRCode(elem, content), nil
	default:
		return "", fmt.Errorf("unsupported element type: %s", elem.Type)
	}
}

func generateText(elem *LabelElement, content string) string {
	font := elem.Font
	if font == "" {
		font = textFont
	}
	xScale := elem.XScale
	if xScale == 0 {
		xScale = 1
	}
	yScale := elem.YScale
	if yScale == 0 {
		yScale = 1
	}
	return fmt.Sprintf(`TEXT %d,%d,"%s",%d,%d,%d,"%s"`, elem.X, elem.Y, font, elem.Rotation, xScale, yScale, content)
}

func generateQRCode(elem *LabelElement, content string) string {
	level := elem.Level
	if level == "" {
		level = "M"
	}
	cellWidth := elem.CellWidth
	if cellWidth == 0 {
		cellWidth = 4
	}
	return fmt.Sprintf(`QRCODE %d,%d,%s,%d,A,%d,"%s"`, elem.X, elem.Y, level, cellWidth, elem.Rotation, content)
}

// substituteVariables fails on unknown variables so a broken layout never
// prints a label with a blank code.
func substituteVariables(content string, variables map[string]string) (string, error) {
	var missing string
	result := variablePattern.ReplaceAllStringFunc(content, func(match string) string {
		name := variablePattern.FindStringSubmatch(match)[1]
		value, ok := variables[name]
		if !ok || value == "" {
			missing = name
		}
		return value
	})
	if missing != "" {
		return "", fmt.Errorf("variable '%s' is missing", missing)
	}
	return result, nil
}

func mmToDots(mm float64, dpi int) int {
	return int(mm * GetDotsPerMM(dpi))
}

func GetDotsPerMM(dpi int) float64 {
	switch dpi {
	case 203:
		return 8.0
	case 300:
		return 12.0
	case 600:
		return 24.0
	default:
		return float64(dpi) / 25.4
	}
}

func escapeTSPLString(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	s = strings.ReplaceAll(s, "\n", "\\n")
	s = strings.ReplaceAll(s, "\r", "\\r")
	s = strings.ReplaceAll(s, "\t", "\\t")
	return s
}

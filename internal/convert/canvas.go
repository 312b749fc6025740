package convert

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"image/draw"
	"image/png"
	"strings"
	"unicode"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

const DefaultDPI = 150

// Canvas is a fixed-size page used to typeset text onto a raster.
type Canvas struct {
	Width   int
	Height  int
	Margin  int
	Leading int
}

// LetterCanvas returns a US Letter page at dpi.
func LetterCanvas(dpi int) Canvas {
	if dpi <= 0 {
		dpi = DefaultDPI
	}
	return Canvas{
		Width:   dpi * 17 / 2,
		Height:  dpi * 11,
		Margin:  dpi / 2,
		Leading: 16,
	}
}

// Typeset draws text in black on a white page, word wrapped to the margins.
// Text that does not fit on the page is cut off.
func (c Canvas) Typeset(text string) *image.Gray {
	dst := image.NewGray(image.Rect(0, 0, c.Width, c.Height))
	draw.Draw(dst, dst.Bounds(), image.White, image.Point{}, draw.Src)

	face := basicfont.Face7x13
	ascent := face.Metrics().Ascent.Ceil()
	drawer := &font.Drawer{
		Dst:  dst,
		Src:  image.Black,
		Face: face,
	}

	maxWidth := c.Width - 2*c.Margin
	y := c.Margin + ascent
	for _, line := range wrapText(drawer, text, maxWidth) {
		if y > c.Height-c.Margin {
			break
		}
		drawer.Dot = fixed.P(c.Margin, y)
		drawer.DrawString(line)
		y += c.Leading
	}
	return dst
}

func wrapText(drawer *font.Drawer, text string, maxWidth int) []string {
	var lines []string
	for _, paragraph := range strings.Split(normalizeText(text), "\n") {
		words := strings.Fields(paragraph)
		if len(words) == 0 {
			lines = append(lines, "")
			continue
		}

		current := ""
		for _, word := range words {
			for drawer.MeasureString(word).Ceil() > maxWidth && len(word) > 1 {
				cut := fitPrefix(drawer, word, maxWidth)
				if current != "" {
					lines = append(lines, current)
					current = ""
				}
				lines = append(lines, word[:cut])
				word = word[cut:]
			}

			candidate := word
			if current != "" {
				candidate = current + " " + word
			}
			if drawer.MeasureString(candidate).Ceil() > maxWidth {
				lines = append(lines, current)
				current = word
				continue
			}
			current = candidate
		}
		lines = append(lines, current)
	}
	return lines
}

func fitPrefix(drawer *font.Drawer, word string, maxWidth int) int {
	cut := 0
	for i := range word {
		if i > 0 && drawer.MeasureString(word[:i]).Ceil() > maxWidth {
			break
		}
		cut = i
	}
	if cut == 0 {
		cut = len(word)
	}
	return cut
}

// normalizeText keeps line structure and replaces characters the bitmap face
// cannot draw.
func normalizeText(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	return strings.Map(func(r rune) rune {
		switch {
		case r == '\n':
			return r
		case r == '\t' || unicode.IsSpace(r):
			return ' '
		case r < 0x20 || r == 0x7f:
			return -1
		case r > 0x7e:
			return '?'
		default:
			return r
		}
	}, text)
}

// encodePNG produces a deterministic PNG for img.
func encodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	encoder := png.Encoder{CompressionLevel: png.BestSpeed}
	if err := encoder.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	return buf.Bytes(), nil
}

// encodeArtifact turns a raster into its text-safe stored form.
func encodeArtifact(raster []byte) []byte {
	out := make([]byte, base64.StdEncoding.EncodedLen(len(raster)))
	base64.StdEncoding.Encode(out, raster)
	return out
}

// DecodeArtifact reverses encodeArtifact.
func DecodeArtifact(data []byte) ([]byte, error) {
	out := make([]byte, base64.StdEncoding.DecodedLen(len(data)))
	n, err := base64.StdEncoding.Decode(out, data)
	if err != nil {
		return nil, fmt.Errorf("decode artifact: %w", err)
	}
	return out[:n], nil
}

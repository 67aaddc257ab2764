package molecule

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"html"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

const DefaultDepictURL = "https://www.simolecule.com/cdkdepict"

var ErrRender = errors.New("molecule: render failed")

type Format string

const (
	FormatSVG    Format = "svg"
	FormatPNG    Format = "png"
	FormatBase64 Format = "base64"
)

// ParseFormat accepts svg, png and base64 (a PNG data URL). Empty means svg.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case "":
		return FormatSVG, nil
	case FormatSVG, FormatPNG, FormatBase64:
		return f, nil
	}
	return "", fmt.Errorf("invalid format %q, use svg, png or base64", s)
}

type RenderRequest struct {
	SMILES string
	Name   string
	Format Format
	Width  int
	Height int
}

type Image struct {
	Data     []byte
	MIMEType string
}

// Renderer draws a structure.
type Renderer interface {
	Render(ctx context.Context, req RenderRequest) (Image, error)
}

// DepictRenderer calls a CDK Depict compatible service.
type DepictRenderer struct {
	HTTPClient *http.Client
	BaseURL    string
}

func NewDepictRenderer(baseURL string) *DepictRenderer {
	if baseURL == "" {
		baseURL = DefaultDepictURL
	}
	return &DepictRenderer{
		HTTPClient: &http.Client{Timeout: 10 * time.Second},
		BaseURL:    strings.TrimRight(baseURL, "/"),
	}
}

func (d *DepictRenderer) Render(ctx context.Context, req RenderRequest) (Image, error) {
	if req.Width <= 0 {
		req.Width = 300
	}
	if req.Height <= 0 {
		req.Height = 300
	}
	if req.Format == "" {
		req.Format = FormatSVG
	}
	ext := "svg"
	if req.Format != FormatSVG {
		ext = "png"
	}
	q := url.Values{}
	q.Set("smi", req.SMILES)
	q.Set("w", strconv.Itoa(req.Width))
	q.Set("h", strconv.Itoa(req.Height))
	q.Set("abbr", "on")
	q.Set("hdisp", "bridgehead")
	q.Set("zoom", "1.6")
	u := d.BaseURL + "/depict/bow/" + ext + "?" + q.Encode()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return Image{}, err
	}
	resp, err := d.HTTPClient.Do(httpReq)
	if err != nil {
		return Image{}, fmt.Errorf("%w: %v", ErrRender, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return Image{}, fmt.Errorf("%w: read: %v", ErrRender, err)
	}
	if resp.StatusCode != http.StatusOK {
		return Image{}, fmt.Errorf("%w: status=%d body=%s", ErrRender, resp.StatusCode, truncateBody(body))
	}
	if len(body) == 0 {
		return Image{}, fmt.Errorf("%w: empty image", ErrRender)
	}

	switch req.Format {
	case FormatSVG:
		return Image{Data: []byte(WithTitle(string(body), req.Name, req.Width)), MIMEType: "image/svg+xml"}, nil
	case FormatBase64:
		dataURL := "data:image/png;base64," + base64.StdEncoding.EncodeToString(body)
		return Image{Data: []byte(dataURL), MIMEType: "text/plain"}, nil
	default:
		return Image{Data: body, MIMEType: "image/png"}, nil
	}
}

// WithTitle inserts a centered caption as the first child of the root svg
// element. svg is returned unchanged when name is empty or no root is found.
func WithTitle(svg, name string, width int) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return svg
	}
	start := strings.Index(svg, "<svg")
	if start < 0 {
		return svg
	}
	end := strings.IndexByte(svg[start:], '>')
	if end < 0 {
		return svg
	}
	at := start + end + 1
	title := fmt.Sprintf(`<text x="%d" y="20" text-anchor="middle" font-family="Arial" font-size="14" fill="#333">%s</text>`,
		width/2, html.EscapeString(name))
	return svg[:at] + title + svg[at:]
}

func truncateBody(b []byte) string {
	if len(b) > 200 {
		return string(b[:200]) + "... (" + humanize.Bytes(uint64(len(b))) + ")"
	}
	return string(b)
}

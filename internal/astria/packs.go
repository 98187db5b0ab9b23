package astria

import (
	"context"
	"net/http"
)

// Pack is a curated prompt bundle offered by Astria.
type Pack struct {
	ID       ID     `json:"id"`
	Slug     string `json:"slug"`
	Title    string `json:"title"`
	CoverURL string `json:"cover_url"`
}

var packTitles = map[string]string{
	"corporate-headshots":      "Corporativo",
	"stylish-studio-portraits": "Estudio Fotográfico",
	"portraits_minimalist":     "Minimalista",
	"speaker":                  "Orador",
	"elegant-street-style":     "Urbano",
	"modelsempire":             "Casual",
}

// ListPacks returns every pack visible to the API key.
func (c *Client) ListPacks(ctx context.Context) ([]Pack, error) {
	var packs []Pack
	if err := c.do(ctx, http.MethodGet, "/packs", nil, &packs); err != nil {
		return nil, err
	}
	return packs, nil
}

// FilterPacks keeps the packs whose slug is in allowed, in allowed's order,
// with Spanish display titles.
func FilterPacks(packs []Pack, allowed []string) []Pack {
	bySlug := make(map[string]Pack, len(packs))
	for _, p := range packs {
		bySlug[p.Slug] = p
	}

	out := make([]Pack, 0, len(allowed))
	for _, slug := range allowed {
		p, ok := bySlug[slug]
		if !ok {
			continue
		}
		if title, ok := packTitles[slug]; ok {
			p.Title = title
		}
		out = append(out, p)
	}
	return out
}

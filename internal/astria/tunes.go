package astria

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
)

const defaultPrompt = "portrait of ohwx %s wearing a business suit, professional photo, white background, " +
	"Amazing Details, Best Quality, Masterpiece, dramatic lighting highly detailed, analog photo, " +
	"overglaze, 80mm Sigma f/1.4 or any ZEISS lens"

// TuneRequest describes a fine-tune to start.
type TuneRequest struct {
	Title          string
	ClassName      string // man, woman or person
	ImageURLs      []string
	TuneCallback   string
	PromptCallback string
	Pack           string // pack slug; empty trains a plain tune with the default prompt
}

// Tune is the subset of Astria's tune object used here.
type Tune struct {
	ID    ID     `json:"id"`
	Title string `json:"title"`
	Name  string `json:"name"`
}

type promptAttributes struct {
	Text      string `json:"text,omitempty"`
	Callback  string `json:"callback"`
	NumImages int    `json:"num_images,omitempty"`
}

type tuneBody struct {
	Title      string   `json:"title"`
	Name       string   `json:"name"`
	Branch     string   `json:"branch,omitempty"`
	Callback   string   `json:"callback"`
	ImageURLs  []string `json:"image_urls"`
	Token      string   `json:"token,omitempty"`

	PromptsAttributes []promptAttributes `json:"prompts_attributes,omitempty"`
	PromptAttributes  *promptAttributes  `json:"prompt_attributes,omitempty"`
}

// CreateTune starts a fine-tune. With a pack the tune is created through the
// pack endpoint, which brings its own prompts.
func (c *Client) CreateTune(ctx context.Context, req TuneRequest) (*Tune, error) {
	if !c.Configured() {
		return nil, fmt.Errorf("astria api key not configured")
	}

	body := tuneBody{
		Title:     req.Title,
		Name:      req.ClassName,
		Callback:  req.TuneCallback,
		ImageURLs: req.ImageURLs,
	}
	if c.testMode {
		body.Branch = "fast"
	}

	path := "/tunes"
	if req.Pack != "" {
		path = "/p/" + url.PathEscape(req.Pack) + "/tunes"
		body.PromptAttributes = &promptAttributes{Callback: req.PromptCallback}
	} else {
		body.Token = "ohwx"
		body.PromptsAttributes = []promptAttributes{{
			Text:      fmt.Sprintf(defaultPrompt, req.ClassName),
			Callback:  req.PromptCallback,
			NumImages: c.numImages,
		}}
	}

	var tune Tune
	if err := c.do(ctx, http.MethodPost, path, map[string]any{"tune": body}, &tune); err != nil {
		return nil, err
	}
	if tune.ID == "" {
		return nil, fmt.Errorf("astria returned a tune without id")
	}
	return &tune, nil
}

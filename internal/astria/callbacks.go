package astria

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
)

// ID is an Astria object id. Astria sends numbers; strings are accepted too.
type ID string

func (id *ID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*id = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("astria id: %w", err)
	}
	*id = ID(n.String())
	return nil
}

// TuneCallback is the body Astria posts when a tune finishes training.
type TuneCallback struct {
	Tune struct {
		ID                ID     `json:"id"`
		Title             string `json:"title"`
		Name              string `json:"name"`
		Steps             *int   `json:"steps"`
		TrainedAt         string `json:"trained_at"`
		StartedTrainingAt string `json:"started_training_at"`
		CreatedAt         string `json:"created_at"`
		UpdatedAt         string `json:"updated_at"`
		ExpiresAt         string `json:"expires_at"`
	} `json:"tune"`
}

// PromptCallback is the body Astria posts when a prompt's images are ready.
type PromptCallback struct {
	Prompt struct {
		ID                ID       `json:"id"`
		Text              string   `json:"text"`
		NegativePrompt    string   `json:"negative_prompt"`
		Steps             *int     `json:"steps"`
		TuneID            ID       `json:"tune_id"`
		TrainedAt         string   `json:"trained_at"`
		StartedTrainingAt string   `json:"started_training_at"`
		CreatedAt         string   `json:"created_at"`
		UpdatedAt         string   `json:"updated_at"`
		Images            []string `json:"images"`
	} `json:"prompt"`
}

// CallbackURL builds base+path with the user_id, model_id and webhook_secret
// query parameters Astria echoes back.
func CallbackURL(base, path, userID string, modelID int64, secret string) string {
	q := url.Values{}
	q.Set("user_id", userID)
	q.Set("model_id", strconv.FormatInt(modelID, 10))
	q.Set("webhook_secret", secret)
	return base + path + "?" + q.Encode()
}

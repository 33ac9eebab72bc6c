package completion

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
)

var scorePattern = regexp.MustCompile(`\d*\.?\d+`)

// Rater asks the completion service to rate message depth. It satisfies
// depth.Rater.
type Rater struct {
	client Client
}

// NewRater creates a Rater over client.
func NewRater(client Client) *Rater {
	return &Rater{client: client}
}

// Rate returns the model's depth rating in [0,1].
func (r *Rater) Rate(ctx context.Context, message string) (float64, error) {
	reply, err := r.client.Complete(ctx, Request{Message: message, Mode: modeRating})
	if err != nil {
		return 0, err
	}
	raw := scorePattern.FindString(reply.Text)
	if raw == "" {
		return 0, fmt.Errorf("no rating in reply %q", reply.Text)
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("parse rating %q: %w", raw, err)
	}
	if v < 0 || v > 1 {
		return 0, fmt.Errorf("rating %v out of range", v)
	}
	return v, nil
}

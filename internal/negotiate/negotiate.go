// Package negotiate decides which offered sub-streams a consumer takes
// before any of them is set up, and opens RTSP sessions that way.
package negotiate

import (
	"errors"
	"fmt"
)

var (
	// ErrNegotiationRejected means the policy accepted none of the offers
	ErrNegotiationRejected = errors.New("negotiation rejected every offered stream")
	// ErrNoVideoFormat means an accepted video stream carries no H.264 format
	ErrNoVideoFormat = errors.New("accepted stream carries no H.264 format")
)

// Media types as declared in a session description
const (
	MediaVideo       = "video"
	MediaAudio       = "audio"
	MediaApplication = "application"
)

// StreamOffer is one sub-stream proposed by the server
type StreamOffer struct {
	ID        string `json:"id"`
	MediaType string `json:"media_type"`
}

// Decision is the verdict for one offer
type Decision struct {
	Offer  StreamOffer `json:"offer"`
	Accept bool        `json:"accept"`
}

// Policy decides from the declared media type alone
type Policy func(mediaType string) bool

// VideoOnly accepts exactly video
func VideoOnly(mediaType string) bool {
	return mediaType == MediaVideo
}

// Plan is the complete set of decisions for one offer list, in offer order
type Plan struct {
	Decisions []Decision `json:"decisions"`
}

// Accepted returns the accepted offers in offer order
func (p Plan) Accepted() []StreamOffer {
	var out []StreamOffer
	for _, d := range p.Decisions {
		if d.Accept {
			out = append(out, d.Offer)
		}
	}
	return out
}

// Rejected returns the rejected offers in offer order
func (p Plan) Rejected() []StreamOffer {
	var out []StreamOffer
	for _, d := range p.Decisions {
		if !d.Accept {
			out = append(out, d.Offer)
		}
	}
	return out
}

// Decide returns the decision for the offer with the given ID
func (p Plan) Decide(id string) (Decision, bool) {
	for _, d := range p.Decisions {
		if d.Offer.ID == id {
			return d, true
		}
	}
	return Decision{}, false
}

// Negotiate applies policy to every offer. It has no side effects, so the
// whole plan exists before the caller sets up any stream. A plan that
// accepts nothing is returned together with ErrNegotiationRejected.
func Negotiate(offers []StreamOffer, policy Policy) (Plan, error) {
	if policy == nil {
		return Plan{}, fmt.Errorf("negotiation policy is nil")
	}

	plan := Plan{Decisions: make([]Decision, 0, len(offers))}
	accepted := 0
	for _, o := range offers {
		ok := policy(o.MediaType)
		if ok {
			accepted++
		}
		plan.Decisions = append(plan.Decisions, Decision{Offer: o, Accept: ok})
	}

	if accepted == 0 {
		return plan, fmt.Errorf("%w (%d offered)", ErrNegotiationRejected, len(offers))
	}
	return plan, nil
}

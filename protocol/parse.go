package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"

	"trainsync-relay/domain"
)

type envelope struct {
	Token     *string         `json:"token"`
	Role      string          `json:"role"`
	Action    string          `json:"action"`
	VideoTime json.RawMessage `json:"videoTime"`
	UserID    string          `json:"userId"`
}

// Parse decodes one inbound frame. A frame carrying a token is an Identify;
// otherwise a frame carrying an action is an Action.
func Parse(data []byte) (domain.Inbound, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrParse, err)
	}

	switch {
	case env.Token != nil:
		return domain.Identify{Token: *env.Token, Role: domain.Role(env.Role)}, nil
	case env.Action != "":
		videoTime := env.VideoTime
		if bytes.Equal(videoTime, []byte("null")) {
			videoTime = nil
		}
		return domain.Action{Action: env.Action, VideoTime: videoTime, UserID: env.UserID}, nil
	}
	return nil, fmt.Errorf("%w: neither identify nor action", domain.ErrParse)
}

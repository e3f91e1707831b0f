package gateway

import "encoding/json"

// encodedPayload holds the same logical response pre-rendered for both
// text and binary peers, so a broadcast encodes once per call rather
// than once per recipient (spec.md §4.D.4 says it is written through
// each socket "honoring that session's binaryMode" — the bytes
// themselves are identical, only the websocket frame opcode differs).
type encodedPayload struct {
	text   []byte
	binary []byte
}

func encodeBroadcastPayload(response any) (encodedPayload, error) {
	data, err := json.Marshal(response)
	if err != nil {
		return encodedPayload{}, err
	}
	return encodedPayload{text: data, binary: data}, nil
}

// stateFrame is the out-of-band `{state: "..."}` notification spec.md
// uses for both the upgrade eviction notice (§4.E, §8 scenario 3) and
// the maintenance countdown (§4.D.5). Kept minimal and independent of
// internal/frontend's Request/Response wire types so this package never
// has to import its own front-end.
type stateFrame struct {
	State string `json:"state"`
}

func encodeStateFrame(state string) []byte {
	data, err := json.Marshal(stateFrame{State: state})
	if err != nil {
		return nil
	}
	return data
}

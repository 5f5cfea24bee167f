package signal

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Role is the side a participant plays in a room.
type Role string

const (
	RoleCaller Role = "caller"
	RoleCallee Role = "callee"
)

func (r Role) Opposite() Role {
	if r == RoleCaller {
		return RoleCallee
	}

	return RoleCaller
}

type SDPType string

const (
	SDPTypeOffer  SDPType = "offer"
	SDPTypeAnswer SDPType = "answer"
)

// SessionDescription is an offer or an answer. Payload belongs to the transport
// and is never inspected here.
type SessionDescription struct {
	Type    SDPType `json:"type"`
	Payload string  `json:"sdp"`
}

// Candidate is one network candidate produced by the transport of Role.
type Candidate struct {
	ID      string `json:"id"`
	Role    Role   `json:"role"`
	Payload string `json:"candidate"`
}

// Room document field names.
const (
	FieldOffer     = "offer"
	FieldAnswer    = "answer"
	FieldSession   = "session"
	FieldCreatedAt = "createdAt"
)

const maxRoomIDLength = 128

// Room is the shared coordination record of one call attempt.
//
// Session is minted by the caller together with the offer and scopes the
// candidate streams, so a room reused after a previous call never replays
// candidates of that call.
type Room struct {
	ID        string
	Offer     *SessionDescription
	Answer    *SessionDescription
	Session   string
	CreatedAt time.Time
}

// ValidateRoomID checks an externally supplied room id.
func ValidateRoomID(id string) error {
	switch {
	case len(id) == 0:
		return errors.Wrap(ErrInvalidRoomID, "empty")
	case len(id) > maxRoomIDLength:
		return errors.Wrapf(ErrInvalidRoomID, "longer than %d bytes", maxRoomIDLength)
	case strings.ContainsAny(id, "/\x00"):
		return errors.Wrapf(ErrInvalidRoomID, "%q contains a reserved character", id)
	}

	return nil
}

// RoomKey is the document key of a room.
func RoomKey(roomID string) string {
	return "rooms/" + roomID
}

// CandidateStreamKey is the stream carrying the candidates produced by role
// during the given call session.
func CandidateStreamKey(roomID, session string, role Role) string {
	return RoomKey(roomID) + "/" + session + "/" + string(role) + "Candidates"
}

// Fields flattens r into store fields. Nil descriptions map to empty values.
func (r Room) Fields() (Fields, error) {
	fields := Fields{}

	offer, err := encodeDescription(r.Offer)
	if err != nil {
		return nil, err
	}

	answer, err := encodeDescription(r.Answer)
	if err != nil {
		return nil, err
	}

	fields[FieldOffer] = offer
	fields[FieldAnswer] = answer
	fields[FieldSession] = r.Session

	if !r.CreatedAt.IsZero() {
		fields[FieldCreatedAt] = r.CreatedAt.UTC().Format(time.RFC3339Nano)
	}

	return fields, nil
}

// RoomFromFields is the inverse of Room.Fields.
func RoomFromFields(id string, fields Fields) (Room, error) {
	r := Room{
		ID:      id,
		Session: fields[FieldSession],
	}

	var err error

	if r.Offer, err = decodeDescription(fields[FieldOffer]); err != nil {
		return Room{}, errors.Wrap(err, "offer")
	}

	if r.Answer, err = decodeDescription(fields[FieldAnswer]); err != nil {
		return Room{}, errors.Wrap(err, "answer")
	}

	if createdAt := fields[FieldCreatedAt]; len(createdAt) != 0 {
		if r.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
			return Room{}, errors.Wrap(err, "createdAt")
		}
	}

	return r, nil
}

// EncodeDescription renders a description as a single field value.
func EncodeDescription(desc SessionDescription) (string, error) {
	return encodeDescription(&desc)
}

func encodeDescription(desc *SessionDescription) (string, error) {
	if desc == nil {
		return "", nil
	}

	b, err := json.Marshal(desc)
	if err != nil {
		return "", err
	}

	return string(b), nil
}

func decodeDescription(value string) (*SessionDescription, error) {
	if len(value) == 0 {
		return nil, nil
	}

	desc := &SessionDescription{}

	if err := json.Unmarshal([]byte(value), desc); err != nil {
		return nil, err
	}

	return desc, nil
}

// EncodeCandidate is the stream record of c.
func EncodeCandidate(c Candidate) ([]byte, error) {
	return json.Marshal(c)
}

func DecodeCandidate(data []byte) (Candidate, error) {
	c := Candidate{}

	if err := json.Unmarshal(data, &c); err != nil {
		return Candidate{}, err
	}

	if len(c.Payload) == 0 {
		return Candidate{}, errors.New("candidate without payload")
	}

	return c, nil
}

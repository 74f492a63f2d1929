package protocol

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrMalformedMessage marks an inbound payload that could not be decoded into a known message.
var ErrMalformedMessage = errors.New("malformed message")

// Quality of the server's live position estimate.
const (
	StateTracking  = "tracking"
	StateUncertain = "uncertain"
	StateWarmingUp = "warming_up"
)

const (
	TypeStart  = "start"
	TypeStop   = "stop"
	TypeUpdate = "update"
	TypeError  = "error"
	TypeStatus = "status"
)

// StartConfig is the first frame sent on every live connection.
type StartConfig struct {
	Type        string `json:"type"`
	SampleRate  int    `json:"sample_rate"`
	WindowSec   int    `json:"window_sec"`
	TargetAyahs int    `json:"target_ayahs"`
}

// NewStartConfig returns a start frame with the type tag filled in.
func NewStartConfig(sampleRate, windowSec, targetAyahs int) StartConfig {
	return StartConfig{Type: TypeStart, SampleRate: sampleRate, WindowSec: windowSec, TargetAyahs: targetAyahs}
}

// StopMessage asks the service to end the live window.
type StopMessage struct {
	Type string `json:"type"`
}

// BestMatch is the service's single best hypothesis for the current window.
type BestMatch struct {
	SurahNo int     `json:"surah_no"`
	AyahNo  int     `json:"ayah_no"`
	TextAr  string  `json:"text_ar"`
	Score   float64 `json:"score"`
}

// TimelineAyah is one verse's estimated span within the recitation window.
// StartMS and EndMS are nil while the span is still open.
type TimelineAyah struct {
	SurahNo      int     `json:"surah_no"`
	AyahNo       int     `json:"ayah_no"`
	TextAr       string  `json:"text_ar"`
	StartMS      *int    `json:"start_ms"`
	EndMS        *int    `json:"end_ms"`
	MatchedRatio float64 `json:"matched_ratio"`
}

// Message is a validated inbound frame: *Update, *ServerError or *Status.
type Message interface {
	MessageType() string
}

// Update carries a live position estimate.
type Update struct {
	ElapsedMS         int            `json:"elapsed_ms"`
	Best              *BestMatch     `json:"best"`
	Current           *TimelineAyah  `json:"current"`
	Timeline          []TimelineAyah `json:"timeline"`
	TranscriptPartial string         `json:"transcript_partial"`
	State             string         `json:"state"`
}

func (*Update) MessageType() string { return TypeUpdate }

// Uncertain reports whether the service flagged this estimate as low quality.
func (u *Update) Uncertain() bool { return u.State == StateUncertain }

// ServerError is an explicit error reported by the service. It is not fatal to the session.
type ServerError struct {
	ElapsedMS int    `json:"elapsed_ms"`
	Message   string `json:"message"`
}

func (*ServerError) MessageType() string { return TypeError }

// Status is a heartbeat the service emits while it is still filling its window.
type Status struct {
	State     string `json:"state"`
	ElapsedMS int    `json:"elapsed_ms"`
}

func (*Status) MessageType() string { return TypeStatus }

// envelope mirrors the full LiveUpdate shape so a single unmarshal can be validated per type.
type envelope struct {
	Type              string         `json:"type"`
	ElapsedMS         int            `json:"elapsed_ms"`
	Best              *BestMatch     `json:"best"`
	Current           *TimelineAyah  `json:"current"`
	Timeline          []TimelineAyah `json:"timeline"`
	TranscriptPartial string         `json:"transcript_partial"`
	State             string         `json:"state"`
	Message           *string        `json:"message"`
}

// Decode validates a text frame from the service and returns the matching message.
func Decode(data []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	switch env.Type {
	case TypeUpdate:
		state := env.State
		switch state {
		case StateTracking, StateUncertain:
		case "":
			state = StateTracking
		default:
			return nil, fmt.Errorf("%w: unknown update state %q", ErrMalformedMessage, env.State)
		}
		return &Update{
			ElapsedMS:         env.ElapsedMS,
			Best:              env.Best,
			Current:           env.Current,
			Timeline:          env.Timeline,
			TranscriptPartial: env.TranscriptPartial,
			State:             state,
		}, nil
	case TypeError:
		msg := ""
		if env.Message != nil {
			msg = *env.Message
		}
		return &ServerError{ElapsedMS: env.ElapsedMS, Message: msg}, nil
	case TypeStatus:
		return &Status{State: env.State, ElapsedMS: env.ElapsedMS}, nil
	case "":
		return nil, fmt.Errorf("%w: missing type", ErrMalformedMessage)
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrMalformedMessage, env.Type)
	}
}

// EncodePCM packs samples as signed 16-bit little-endian bytes.
func EncodePCM(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// Surah is the verse lookup payload for one chapter.
type Surah struct {
	SurahNo int    `json:"surah_no"`
	NameAr  string `json:"name_ar"`
	NameTr  string `json:"name_tr"`
	Ayahs   []Ayah `json:"ayahs"`
}

type Ayah struct {
	SurahNo int    `json:"surah_no,omitempty"`
	AyahNo  int    `json:"ayah_no"`
	TextAr  string `json:"text_ar"`
}

// SurahMeta describes one chapter in the index.
type SurahMeta struct {
	SurahNo   int    `json:"surah_no"`
	NameAr    string `json:"name_ar"`
	NameTr    string `json:"name_tr"`
	AyahCount int    `json:"ayah_count"`
}

// Bus payloads published by the runtime.
type ReaderViewEvent struct {
	SessionID         string         `json:"session_id"`
	ActiveSurah       int            `json:"active_surah"`
	ActiveAyah        int            `json:"active_ayah"`
	ReadUpToAyah      int            `json:"read_up_to_ayah"`
	TranscriptPreview string         `json:"transcript_preview"`
	Uncertain         bool           `json:"uncertain"`
	Timeline          []TimelineAyah `json:"timeline,omitempty"`
	Timestamp         time.Time      `json:"timestamp"`
}

type SessionStateEvent struct {
	SessionID string    `json:"session_id"`
	State     string    `json:"state"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type NoticeEvent struct {
	SessionID string    `json:"session_id"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	SubjectReaderView    = "tilawa.reader.view"
	SubjectReaderSurah   = "tilawa.reader.surah"
	SubjectSessionState  = "tilawa.session.state"
	SubjectSessionNotice = "tilawa.session.notice"
)

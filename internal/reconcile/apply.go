package reconcile

import (
	"slices"

	"github.com/loqalabs/tilawa/internal/protocol"
)

// ReaderView is the position state the reader display consumes.
type ReaderView struct {
	ActiveSurah       int
	ActiveAyah        int
	ReadUpToAyah      int
	TranscriptPreview string
	// Timeline and Uncertain mirror the latest update and carry no monotonic guarantees.
	Timeline  []protocol.TimelineAyah
	Uncertain bool
}

// HasPosition reports whether a verse has been adopted yet.
func (v ReaderView) HasPosition() bool {
	return v.ActiveSurah > 0 && v.ActiveAyah > 0
}

// Outcome describes what Apply did beyond the returned view.
type Outcome struct {
	Notice       string
	Suppressed   bool
	SurahChanged bool
}

// Apply folds one inbound message into prev and returns the next view.
//
// Within a surah the active ayah never moves backwards; a different surah is
// adopted unconditionally. A missing best match keeps the current position, and
// the localized current ayah wins over the window-wide best match when present.
func Apply(prev ReaderView, msg protocol.Message) (ReaderView, Outcome) {
	switch m := msg.(type) {
	case *protocol.Update:
		return applyUpdate(prev, m)
	case *protocol.ServerError:
		notice := m.Message
		if notice == "" {
			notice = "tracking service reported an error"
		}
		return prev, Outcome{Notice: notice}
	default:
		return prev, Outcome{}
	}
}

func applyUpdate(prev ReaderView, u *protocol.Update) (ReaderView, Outcome) {
	next := prev
	next.TranscriptPreview = u.TranscriptPartial
	next.Timeline = slices.Clone(u.Timeline)
	next.Uncertain = u.Uncertain()

	if u.Best == nil {
		return next, Outcome{}
	}
	surah, ayah := u.Best.SurahNo, u.Best.AyahNo
	if c := u.Current; c != nil && c.SurahNo > 0 && c.AyahNo > 0 {
		surah, ayah = c.SurahNo, c.AyahNo
	}
	if surah <= 0 || ayah <= 0 {
		return next, Outcome{}
	}

	var out Outcome
	if !prev.HasPosition() || surah != prev.ActiveSurah {
		out.SurahChanged = prev.HasPosition()
		next.ActiveSurah = surah
		next.ActiveAyah = ayah
		next.ReadUpToAyah = max(0, ayah-1)
		return next, out
	}

	if ayah < prev.ActiveAyah {
		out.Suppressed = true
	}
	next.ActiveAyah = max(prev.ActiveAyah, ayah)
	next.ReadUpToAyah = max(prev.ReadUpToAyah, next.ActiveAyah-1)
	return next, out
}

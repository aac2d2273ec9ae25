package ics

import (
	"io"
	"time"

	ical "github.com/arran4/golang-ical"

	"gcalevents/internal/model"
)

// ExportOptions controls WriteICS.
type ExportOptions struct {
	ProductID string
	Name      string
	// Now stamps DTSTAMP. Zero means time.Now.
	Now time.Time
}

// WriteICS serializes stored events as a PUBLISH calendar. Each event keeps
// its storage UID, so series members appear as independent VEVENTs.
func WriteICS(w io.Writer, events []model.StoredEvent, opts ExportOptions) error {
	if opts.ProductID == "" {
		opts.ProductID = "-//gcalevents//Event Export//EN"
	}
	if opts.Now.IsZero() {
		opts.Now = time.Now()
	}

	cal := ical.NewCalendar()
	cal.SetMethod(ical.MethodPublish)
	cal.SetProductId(opts.ProductID)
	if opts.Name != "" {
		cal.SetName(opts.Name)
		cal.SetXWRCalName(opts.Name)
	}

	for _, ev := range events {
		vev := cal.AddEvent(ev.UID)
		vev.SetDtStampTime(opts.Now)
		if ev.AllDay {
			vev.SetAllDayStartAt(ev.Start)
			vev.SetAllDayEndAt(ev.End)
		} else {
			vev.SetStartAt(ev.Start)
			vev.SetEndAt(ev.End)
		}
		if !ev.LastModified.IsZero() {
			vev.SetModifiedAt(ev.LastModified)
		}
		if ev.Summary != "" {
			vev.SetSummary(ev.Summary)
		}
		if ev.Location != "" {
			vev.SetLocation(ev.Location)
		}
		if ev.Description != "" {
			vev.SetDescription(ev.Description)
		}
	}

	return cal.SerializeTo(w)
}

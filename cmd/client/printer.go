package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/samber/lo"

	"github.com/dkeye/jointly/internal/app/events"
	"github.com/dkeye/jointly/internal/domain"
)

// printEvents writes a line per bus event until ctx is done.
func printEvents(ctx context.Context, bus *events.Bus) {
	ch, cancel := bus.Subscribe()
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if line := describe(ev); line != "" {
				fmt.Println(line)
			}
		}
	}
}

func describe(ev events.Event) string {
	ts := ev.At.Format("15:04:05")
	switch d := ev.Data.(type) {
	case events.RoomCreated:
		return fmt.Sprintf("%s \033[32m✓\033[0m room %s created, share the code to invite listeners", ts, d.RoomCode)
	case events.JoinApproved:
		return fmt.Sprintf("%s \033[32m✓\033[0m joined room %s (%d listeners)", ts, d.RoomCode, len(d.State.Users))
	case events.JoinRejected:
		return fmt.Sprintf("%s join rejected: %s", ts, d.Reason)
	case events.JoinRequestReceived:
		return fmt.Sprintf("%s %s wants to join (approve: POST /api/join/%s/approve)", ts, d.Username, d.UserID)
	case events.User:
		return fmt.Sprintf("%s %s: %s", ts, strings.ReplaceAll(ev.Kind.String(), "_", " "), d.Username)
	case events.HostChanged:
		return fmt.Sprintf("%s %s is now hosting", ts, d.NewHostName)
	case events.Kicked:
		return fmt.Sprintf("%s kicked: %s", ts, d.Reason)
	case events.Reconnecting:
		return fmt.Sprintf("%s reconnecting (%d/%d)", ts, d.Attempt, d.MaxAttempts)
	case events.Reconnected:
		return fmt.Sprintf("%s \033[32m✓\033[0m back in room %s", ts, d.RoomCode)
	case events.ConnectionError:
		return fmt.Sprintf("%s \033[31m✗\033[0m connection lost: %s", ts, d.Err)
	case events.PlaybackSync:
		return fmt.Sprintf("%s ♪ %s", ts, describeAction(d.Action))
	case events.BufferWait:
		return fmt.Sprintf("%s waiting for %d listener(s) to buffer", ts, len(d.WaitingFor))
	case events.ChatReceived:
		return fmt.Sprintf("%s <%s> %s", ts, d.Username, d.Message)
	case events.ServerError:
		return fmt.Sprintf("%s server error %s: %s", ts, d.Code, d.Message)
	case events.SuggestionReceived:
		return fmt.Sprintf("%s %s suggests %s", ts, d.FromUsername, trackTitle(d.Track))
	case events.SuggestionApproved:
		return fmt.Sprintf("%s suggestion accepted: %s", ts, trackTitle(d.Track))
	case events.SuggestionRejected:
		return fmt.Sprintf("%s suggestion declined %s", ts, d.Reason)
	}
	return ""
}

func describeAction(p domain.PlaybackActionPayload) string {
	switch p.Action {
	case domain.ActionChangeTrack:
		if p.TrackInfo != nil {
			return "now playing " + trackTitle(*p.TrackInfo)
		}
		return "now playing " + p.TrackID
	case domain.ActionSyncQueue:
		titles := lo.Map(p.Queue, func(t domain.TrackInfo, _ int) string { return trackTitle(t) })
		return fmt.Sprintf("queue: %s", strings.Join(titles, ", "))
	case domain.ActionPlay, domain.ActionPause, domain.ActionSeek:
		if p.Position != nil {
			return fmt.Sprintf("%s at %s", p.Action, clock(*p.Position))
		}
	}
	return strings.ReplaceAll(p.Action, "_", " ")
}

func trackTitle(t domain.TrackInfo) string {
	switch {
	case t.Title != "" && t.Artist != "":
		return t.Artist + " - " + t.Title
	case t.Title != "":
		return t.Title
	}
	return t.ID
}

func clock(ms int64) string {
	s := ms / 1000
	return fmt.Sprintf("%d:%02d", s/60, s%60)
}

package main

import (
	"sync"

	"github.com/pterm/pterm"

	"github.com/1ureka/huddle/internal/room"
	"github.com/1ureka/huddle/internal/util"
)

// watcher prints what changed between two room snapshots.
type watcher struct {
	mu     sync.Mutex
	prev   room.Snapshot
	primed bool
}

func (w *watcher) update(s room.Snapshot) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.primed && s.Version <= w.prev.Version {
		return
	}
	prev := w.prev
	w.prev, w.primed = s, true
	if prev.Version == 0 {
		printRoom(s)
		return
	}

	for _, p := range s.Participants {
		if _, ok := prev.BySocket(p.SocketID); !ok && !p.IsLocal {
			util.LogInfo("%s joined", p.Name)
		}
	}
	for _, p := range prev.Participants {
		if _, ok := s.BySocket(p.SocketID); !ok && !p.IsLocal {
			util.LogInfo("%s left", p.Name)
		}
	}

	before, hadSharer := prev.Sharer()
	after, hasSharer := s.Sharer()
	switch {
	case hasSharer && (!hadSharer || before.SocketID != after.SocketID):
		util.LogInfo("%s is presenting", after.Name)
	case hadSharer && !hasSharer:
		util.LogInfo("%s stopped presenting", before.Name)
	}

	for _, m := range s.Chat[min(len(prev.Chat), len(s.Chat)):] {
		pterm.DefaultBasicText.Println(pterm.Gray(m.SentAt.Format("15:04")) + " " +
			pterm.Bold.Sprint(m.UserName) + ": " + m.Text)
	}

	if s.State != prev.State {
		util.LogDebug("membership: %s", s.State)
	}
}

func printRoom(s room.Snapshot) {
	data := pterm.TableData{{"", "Name", "Mic", "Cam", "Stream"}}
	for _, p := range s.Participants {
		mark := ""
		switch {
		case p.IsScreenSharing:
			mark = "presenting"
		case p.IsHost:
			mark = "host"
		}
		name := p.Name
		if p.IsLocal {
			name += " (you)"
		}
		data = append(data, []string{mark, name, onOff(!p.Muted), onOff(p.VideoOn), p.StreamID})
	}
	_ = pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}

func onOff(on bool) string {
	if on {
		return pterm.Green("on")
	}
	return pterm.Red("off")
}

package persist

import (
	"github.com/p-blackswan/buildmode/internal/protocol"
)

// Log appends a build log entry. Entries written before a project exists are
// held back and sent once the first idea save establishes one.
func (p *Persister) Log(typ protocol.EntryType, s string, content string, meta map[string]string) protocol.BuildLogEntry {
	e := protocol.BuildLogEntry{
		ID:        p.newID(),
		Timestamp: p.now().UTC(),
		Type:      typ,
		Stage:     s,
		Content:   content,
		Metadata:  meta,
	}
	p.log = append(p.log, e)

	if p.pipeline.ProjectID() == "" {
		p.pending = append(p.pending, e)
		return e
	}
	p.sendEntry(e)
	return e
}

func (p *Persister) sendEntry(e protocol.BuildLogEntry) {
	proj, _ := p.pipeline.Project()
	p.opts.Send(protocol.AppendBuildLog{ProjectID: proj.ID, ProjectTitle: proj.Title, Entry: e})
}

func (p *Persister) flushPending() {
	if p.pipeline.ProjectID() == "" {
		return
	}
	for _, e := range p.pending {
		p.sendEntry(e)
	}
	p.pending = nil
}

// Entries returns a copy of the in-memory build log.
func (p *Persister) Entries() []protocol.BuildLogEntry {
	return append([]protocol.BuildLogEntry(nil), p.log...)
}

// ReplaceLog installs a log loaded for an opened project.
func (p *Persister) ReplaceLog(entries []protocol.BuildLogEntry) {
	p.log = append([]protocol.BuildLogEntry(nil), entries...)
	p.pending = nil
}

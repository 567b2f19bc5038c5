package statistics

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"
)

type MutationOp string

const (
	MutationOverwrite MutationOp = "OVERWRITE"
	MutationAppend    MutationOp = "APPEND"
	MutationDelete    MutationOp = "DELETE"
)

type RewriteRecordList struct {
	recordAddChan chan *RewriteRecord
	records       map[string]*RewriteRecord
	mu            sync.RWMutex

	dumpRecords []*RewriteRecord
	dumpFile    string
	dumpWriter  *bufio.Writer
}

// RewriteRecord aggregates the mutations of one header on one host.
type RewriteRecord struct {
	Host     string     `json:"host"`
	Header   string     `json:"header"`
	Op       MutationOp `json:"op"`
	Original string     `json:"original,omitempty"`
	Value    string     `json:"value,omitempty"`
	Count    int        `json:"count"`
}

func (r *RewriteRecord) key() string {
	return r.Host + "\x00" + r.Header
}

func NewRewriteRecordList(dumpFile string) *RewriteRecordList {
	return &RewriteRecordList{
		recordAddChan: make(chan *RewriteRecord, 100),
		records:       make(map[string]*RewriteRecord, 300),
		dumpRecords:   make([]*RewriteRecord, 0, 300),
		dumpFile:      dumpFile,
		dumpWriter:    bufio.NewWriter(nil),
	}
}

func (l *RewriteRecordList) Run() {
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case record := <-l.recordAddChan:
				l.Add(record)
			case <-ticker.C:
				l.Dump()
			}
		}
	}()
}

func (l *RewriteRecordList) Add(record *RewriteRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if r, exists := l.records[record.key()]; exists {
		r.Count++
		r.Op = record.Op
		r.Original = record.Original
		r.Value = record.Value
		return
	}
	l.records[record.key()] = &RewriteRecord{
		Host:     record.Host,
		Header:   record.Header,
		Op:       record.Op,
		Original: record.Original,
		Value:    record.Value,
		Count:    1,
	}
}

// Snapshot returns copies of the records ordered by descending count.
func (l *RewriteRecordList) Snapshot() []RewriteRecord {
	l.mu.RLock()
	out := make([]RewriteRecord, 0, len(l.records))
	for _, record := range l.records {
		out = append(out, *record)
	}
	l.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].key() < out[j].key()
	})
	return out
}

func (l *RewriteRecordList) Dump() {
	if l.dumpFile == "" {
		return
	}
	f, err := os.Create(l.dumpFile)
	if err != nil {
		slog.Error("os.Create", slog.Any("error", err))
		return
	}
	defer func() {
		if err := f.Close(); err != nil {
			slog.Error("os.File.Close", slog.Any("error", err))
		}
	}()

	l.dumpRecords = l.dumpRecords[:0]
	l.mu.RLock()
	for _, record := range l.records {
		l.dumpRecords = append(l.dumpRecords, record)
	}
	l.mu.RUnlock()

	sort.SliceStable(l.dumpRecords, func(i, j int) bool {
		return l.dumpRecords[i].Count > l.dumpRecords[j].Count
	})

	l.dumpWriter.Reset(f)
	defer func() {
		if err := l.dumpWriter.Flush(); err != nil {
			slog.Error("bufio.Writer.Flush", slog.Any("error", err))
		}
	}()

	for _, record := range l.dumpRecords {
		_, err := fmt.Fprintf(l.dumpWriter, "%s %d %s %s %sSEQSEQ%s\n",
			record.Host, record.Count, record.Op, record.Header, record.Original, record.Value)
		if err != nil {
			slog.Error("Dump fmt.Fprintf", slog.Any("error", err))
		}
	}
}

// Copyright (c) 2025, the fetcharr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package pieces maps torrent piece state onto byte ranges of individual
// files, so partially downloaded files can be served while the client is
// still fetching them.
package pieces

import (
	"encoding/json"
	"fmt"

	"github.com/pkg/errors"
)

// State is the download state of a single piece as reported by the client.
type State int

const (
	StateMissing     State = 0
	StateDownloading State = 1
	StateComplete    State = 2
)

// DecodeStates parses the JSON-encoded piece state array stored on a torrent.
func DecodeStates(encoded string) ([]State, error) {
	if encoded == "" {
		return nil, nil
	}

	var states []State
	if err := json.Unmarshal([]byte(encoded), &states); err != nil {
		return nil, errors.Wrap(err, "decode piece states")
	}
	return states, nil
}

// EncodeStates serializes piece states for storage.
func EncodeStates(states []State) string {
	if len(states) == 0 {
		return "[]"
	}

	buf, err := json.Marshal(states)
	if err != nil {
		// an int slice cannot fail to marshal
		return "[]"
	}
	return string(buf)
}

// Segment is the portion of one piece that belongs to a file, expressed as a
// byte range within that file. End is exclusive.
type Segment struct {
	PieceIndex int   `json:"pieceIndex"`
	Start      int64 `json:"start"`
	End        int64 `json:"end"`
}

func (s Segment) Length() int64 {
	return s.End - s.Start
}

// FileSpan places a single file inside a torrent's piece space. Pieces are
// shared between adjacent files, so the file usually starts partway into its
// first piece and ends partway into its last.
type FileSpan struct {
	FirstPiece       int
	LastPiece        int
	PieceSize        int64
	FileSize         int64
	FirstPieceOffset int64
}

// Spans computes the piece spans of every file in a torrent, in file order.
// Files are laid out back to back in the piece space, so each file's offset
// into its first piece is the leftover of everything before it.
func Spans(pieceSize int64, fileSizes []int64) []FileSpan {
	if pieceSize <= 0 {
		return nil
	}

	spans := make([]FileSpan, 0, len(fileSizes))
	var pos int64
	for _, size := range fileSizes {
		span := FileSpan{
			FirstPiece:       int(pos / pieceSize),
			PieceSize:        pieceSize,
			FileSize:         size,
			FirstPieceOffset: pos % pieceSize,
		}
		end := pos + size
		if size > 0 {
			span.LastPiece = int((end - 1) / pieceSize)
		} else {
			span.LastPiece = span.FirstPiece
		}
		spans = append(spans, span)
		pos = end
	}
	return spans
}

// Segments splits the file into per-piece byte ranges. The first segment is
// shortened by the file's offset into its first piece, the last is trimmed to
// the file size, and every segment in between covers a full piece.
func (s FileSpan) Segments() []Segment {
	if s.FileSize <= 0 || s.PieceSize <= 0 || s.LastPiece < s.FirstPiece {
		return nil
	}

	segments := make([]Segment, 0, s.LastPiece-s.FirstPiece+1)
	var start int64
	for piece := s.FirstPiece; piece <= s.LastPiece; piece++ {
		length := s.PieceSize
		if piece == s.FirstPiece {
			length = s.PieceSize - s.FirstPieceOffset
		}

		end := start + length
		if end > s.FileSize {
			end = s.FileSize
		}
		if end <= start {
			break
		}

		segments = append(segments, Segment{PieceIndex: piece, Start: start, End: end})
		start = end
	}
	return segments
}

// PieceForOffset returns the piece index covering the given byte offset of
// the file.
func (s FileSpan) PieceForOffset(offset int64) int {
	if s.PieceSize <= 0 {
		return s.FirstPiece
	}
	return s.FirstPiece + int((s.FirstPieceOffset+offset)/s.PieceSize)
}

// offsetForPiece is the inverse: the first byte of the file covered by piece.
func (s FileSpan) offsetForPiece(piece int) int64 {
	offset := int64(piece-s.FirstPiece)*s.PieceSize - s.FirstPieceOffset
	if offset < 0 {
		return 0
	}
	return offset
}

// RangeError reports that the requested byte offset is not yet downloaded.
// NextAvailableStart is the file offset of the next complete region, or -1
// when nothing past the offset is complete yet.
type RangeError struct {
	NextAvailableStart int64 `json:"nextAvailableStart"`
	PieceSize          int64 `json:"pieceSize"`
	FileSize           int64 `json:"fileSize"`
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("requested range not yet available, next complete region starts at %d", e.NextAvailableStart)
}

// AvailableRange returns the longest byte range [offset, end) of the file
// that is fully covered by complete pieces, starting at offset. When the
// piece under offset is not complete it returns a *RangeError instead.
func (s FileSpan) AvailableRange(states []State, offset int64) (int64, int64, error) {
	if offset < 0 || offset >= s.FileSize {
		return 0, 0, errors.Errorf("offset %d out of file bounds (size %d)", offset, s.FileSize)
	}

	complete := func(piece int) bool {
		return piece >= 0 && piece < len(states) && states[piece] == StateComplete
	}

	piece := s.PieceForOffset(offset)
	if !complete(piece) {
		next := int64(-1)
		for p := piece + 1; p <= s.LastPiece; p++ {
			if complete(p) {
				next = s.offsetForPiece(p)
				break
			}
		}
		return 0, 0, &RangeError{
			NextAvailableStart: next,
			PieceSize:          s.PieceSize,
			FileSize:           s.FileSize,
		}
	}

	last := piece
	for last < s.LastPiece && complete(last+1) {
		last++
	}

	end := int64(last+1-s.FirstPiece)*s.PieceSize - s.FirstPieceOffset
	if end > s.FileSize {
		end = s.FileSize
	}
	return offset, end, nil
}

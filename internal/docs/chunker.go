package docs

import (
	"fmt"
	"strings"
)

type Chunk struct {
	Index     int
	Content   string
	StartLine int
	EndLine   int
}

// Chunker splits text on line boundaries into chunks of roughly Size bytes,
// repeating up to Overlap bytes of trailing lines at the start of the next chunk.
type Chunker struct {
	Size    int
	Overlap int
}

func NewChunker(size, overlap int) (*Chunker, error) {
	if size <= 0 {
		return nil, fmt.Errorf("chunk size must be positive, got %d", size)
	}
	if overlap < 0 {
		return nil, fmt.Errorf("chunk overlap cannot be negative, got %d", overlap)
	}
	if overlap >= size {
		return nil, fmt.Errorf("chunk overlap (%d) must be less than chunk size (%d)", overlap, size)
	}
	return &Chunker{Size: size, Overlap: overlap}, nil
}

func DefaultChunker() *Chunker {
	return &Chunker{Size: 800, Overlap: 100}
}

func (c *Chunker) Chunk(content string) []Chunk {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil
	}
	lines := strings.Split(content, "\n")
	if len(content) <= c.Size {
		return []Chunk{{Index: 0, Content: content, StartLine: 1, EndLine: len(lines)}}
	}

	var chunks []Chunk
	start := 0 // index into lines
	for start < len(lines) {
		size := 0
		end := start
		for end < len(lines) {
			size += len(lines[end]) + 1
			end++
			if size >= c.Size {
				break
			}
		}

		text := strings.TrimSpace(strings.Join(lines[start:end], "\n"))
		if text != "" {
			chunks = append(chunks, Chunk{
				Index:     len(chunks),
				Content:   text,
				StartLine: start + 1,
				EndLine:   end,
			})
		}
		if end >= len(lines) {
			break
		}

		next := end
		if c.Overlap > 0 {
			overlap := 0
			for next > start+1 && overlap < c.Overlap {
				overlap += len(lines[next-1]) + 1
				next--
			}
		}
		start = next
	}
	return chunks
}

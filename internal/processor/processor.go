// Package processor implements the Document Processor: turning raw upload
// bytes into text chunks ready for embedding. Extraction is content-type
// specific (pdf/text/audio/video); chunking is shared.
package processor

import (
	"context"
	"os"
	"path/filepath"
	"unicode/utf8"

	"ragcore/internal/errs"
	"ragcore/internal/types"
)

// Transcriber delegates audio/video content to the Model Gateway's
// transcription endpoint. The processor chunks the transcript like any other
// text source; the transcript itself is not stored anywhere.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte) (string, error)
}

type Config struct {
	ChunkSize     int
	ChunkOverlap  int
	CropTopPoints float64
	CropBotPoints float64
}

type Processor struct {
	cfg         Config
	transcriber Transcriber
}

func New(cfg Config, transcriber Transcriber) *Processor {
	return &Processor{cfg: cfg, transcriber: transcriber}
}

// Process dispatches on declaredType and returns chunks without embeddings
// populated — the Ingestion Coordinator fills those in afterward.
func (p *Processor) Process(ctx context.Context, source string, declaredType types.ContentType, title string, data []byte) ([]types.Chunk, error) {
	switch declaredType {
	case types.ContentPDF:
		return p.processPDF(source, title, data)
	case types.ContentText:
		return p.processText(source, title, data)
	case types.ContentAudio, types.ContentVideo:
		return p.processMedia(ctx, source, title, declaredType, data)
	default:
		return nil, errs.New(errs.InputInvalid, "unsupported content type: "+string(declaredType))
	}
}

func (p *Processor) processPDF(source, title string, data []byte) ([]types.Chunk, error) {
	tmpFile, err := os.CreateTemp("", "ragcore-upload-*.pdf")
	if err != nil {
		return nil, errs.Wrap(errs.ExtractionFailed, "create temp pdf", err)
	}
	defer os.Remove(tmpFile.Name())
	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		return nil, errs.Wrap(errs.ExtractionFailed, "write temp pdf", err)
	}
	tmpFile.Close()

	croppedPath := tmpFile.Name()
	if p.cfg.CropTopPoints > 0 || p.cfg.CropBotPoints > 0 {
		cropped := tmpFile.Name() + ".cropped.pdf"
		if err := cropHeaderFooter(tmpFile.Name(), cropped, p.cfg.CropTopPoints, p.cfg.CropBotPoints); err == nil {
			defer os.Remove(cropped)
			croppedPath = filepath.Join(filepath.Dir(cropped), filepath.Base(cropped))
		}
		// Crop failures are non-fatal: fall back to extracting from the
		// uncropped file rather than losing the whole upload.
	}

	pages, err := pagePlainText(croppedPath)
	if err != nil {
		return nil, errs.Wrap(errs.ExtractionFailed, "extract pdf text", err)
	}
	if len(pages) == 0 {
		return nil, errs.New(errs.ExtractionFailed, "pdf produced no extractable pages")
	}

	var chunks []types.Chunk
	chunkIndex := 0
	for _, pageIdx := range sortedPageIndices(pages) {
		pageText := pages[pageIdx]
		if pageText == "" {
			continue
		}
		idx := pageIdx
		for _, text := range recursiveSplit(pageText, p.cfg.ChunkSize, p.cfg.ChunkOverlap) {
			chunks = append(chunks, types.Chunk{
				Text: text,
				Metadata: types.ChunkMetadata{
					Source:      source,
					Title:       title,
					ContentType: types.ContentPDF,
					ChunkIndex:  chunkIndex,
					PageIndex:   &idx,
				},
			})
			chunkIndex++
		}
	}
	if len(chunks) == 0 {
		return nil, errs.New(errs.NoCorpus, "pdf produced no chunks")
	}
	return chunks, nil
}

func (p *Processor) processText(source, title string, data []byte) ([]types.Chunk, error) {
	if !utf8.Valid(data) {
		return nil, errs.New(errs.ExtractionFailed, "text upload is not valid utf-8")
	}
	text := string(data)
	if text == "" {
		return nil, errs.New(errs.NoCorpus, "empty text upload")
	}
	return chunksFromText(source, title, types.ContentText, text, p.cfg)
}

func (p *Processor) processMedia(ctx context.Context, source, title string, ct types.ContentType, data []byte) ([]types.Chunk, error) {
	if p.transcriber == nil {
		return nil, errs.New(errs.Internal, "no transcriber configured")
	}
	transcript, err := p.transcriber.Transcribe(ctx, data)
	if err != nil {
		return nil, errs.Wrap(errs.ExtractionFailed, "transcribe media", err)
	}
	if transcript == "" {
		return nil, errs.New(errs.NoCorpus, "transcription produced no text")
	}
	return chunksFromText(source, title, ct, transcript, p.cfg)
}

func chunksFromText(source, title string, ct types.ContentType, text string, cfg Config) ([]types.Chunk, error) {
	pieces := recursiveSplit(text, cfg.ChunkSize, cfg.ChunkOverlap)
	if len(pieces) == 0 {
		return nil, errs.New(errs.NoCorpus, "no chunks produced")
	}
	chunks := make([]types.Chunk, 0, len(pieces))
	for i, piece := range pieces {
		chunks = append(chunks, types.Chunk{
			Text: piece,
			Metadata: types.ChunkMetadata{
				Source:      source,
				Title:       title,
				ContentType: ct,
				ChunkIndex:  i,
			},
		})
	}
	return chunks, nil
}

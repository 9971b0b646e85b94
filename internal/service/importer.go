package service

import (
	"bufio"
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/user/piximg-go/internal/config"
	"github.com/user/piximg-go/internal/models"
	"github.com/user/piximg-go/internal/pixiv"
	"github.com/user/piximg-go/internal/repository"
)

// Recognized pixiv URL shapes. Artwork pages carry just the illust id;
// direct pximg URLs also carry the page index and extension.
var (
	artworkPathRe = regexp.MustCompile(`^/(?:[a-z]{2}/)?artworks/(\d+)$`)
	pximgPathRe   = regexp.MustCompile(`/(\d+)_p(\d+)[^/]*\.([A-Za-z0-9]+)$`)
)

// ParsedImportLine is one accepted URL.
type ParsedImportLine struct {
	IllustID    int64
	PageIndex   int
	Ext         string
	OriginalURL string
}

// ImportResult summarizes one processed URL list.
type ImportResult struct {
	Import       *models.Import `json:"import"`
	EnqueuedJobs int            `json:"enqueued_jobs"`
}

// ImportService ingests line-oriented URL lists into image stubs and queues
// their hydration.
type ImportService struct {
	cfg     config.ImportConfig
	images  *repository.ImageRepository
	imports *repository.ImportRepository
	jobs    *repository.JobRepository
	logger  *zap.Logger
}

// NewImportService creates an ImportService.
func NewImportService(cfg config.ImportConfig, images *repository.ImageRepository, imports *repository.ImportRepository, jobs *repository.JobRepository, logger *zap.Logger) *ImportService {
	return &ImportService{cfg: cfg, images: images, imports: imports, jobs: jobs, logger: logger}
}

// ParseLine classifies one input line. Empty lines and #-comments return
// (nil, nil).
func ParseLine(line string) (*ParsedImportLine, error) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return nil, nil
	}

	// Bare numeric illust id.
	if id, err := strconv.ParseInt(line, 10, 64); err == nil && id > 0 {
		return &ParsedImportLine{IllustID: id, Ext: "jpg"}, nil
	}

	u, err := url.Parse(line)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("not a URL or illust id")
	}

	host := strings.ToLower(u.Hostname())
	switch {
	case hostMatchesSuffix(host, "pixiv.net"):
		if m := artworkPathRe.FindStringSubmatch(u.Path); m != nil {
			id, _ := strconv.ParseInt(m[1], 10, 64)
			return &ParsedImportLine{IllustID: id, Ext: "jpg"}, nil
		}
		// Legacy member_illust.php?illust_id=N
		if strings.HasSuffix(u.Path, "member_illust.php") {
			if id, err := strconv.ParseInt(u.Query().Get("illust_id"), 10, 64); err == nil && id > 0 {
				return &ParsedImportLine{IllustID: id, Ext: "jpg"}, nil
			}
		}
		return nil, fmt.Errorf("unrecognized pixiv path %q", u.Path)
	case hostMatchesSuffix(host, "pximg.net"):
		if m := pximgPathRe.FindStringSubmatch(u.Path); m != nil {
			id, _ := strconv.ParseInt(m[1], 10, 64)
			page, _ := strconv.Atoi(m[2])
			return &ParsedImportLine{
				IllustID:    id,
				PageIndex:   page,
				Ext:         pixiv.ExtFromURL(line),
				OriginalURL: line,
			}, nil
		}
		return nil, fmt.Errorf("unrecognized pximg path %q", u.Path)
	default:
		return nil, fmt.Errorf("unsupported host %q", host)
	}
}

// Process parses body line by line, inserts image stubs, records the import
// and enqueues one hydrate job per new illust.
func (s *ImportService) Process(ctx context.Context, body, createdBy, source string) (*ImportResult, error) {
	if int64(len(body)) > s.cfg.MaxBytes {
		return nil, models.NewAPIError(models.CodePayloadTooLarge, 413,
			fmt.Sprintf("import body exceeds %d bytes", s.cfg.MaxBytes))
	}

	imp, err := s.imports.Create(ctx, createdBy, source, 0, 0, 0, models.ImportDetail{})
	if err != nil {
		return nil, err
	}

	var (
		total, accepted, deduped int
		detail                   models.ImportDetail
		newIllusts               []int64
		seenIllust               = make(map[int64]bool)
	)

	scanner := bufio.NewScanner(strings.NewReader(body))
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		parsed, err := ParseLine(scanner.Text())
		if err != nil {
			total++
			if len(detail.Errors) < models.MaxImportLineErrors {
				detail.Errors = append(detail.Errors, models.ImportLineError{
					Line: lineNo, Code: string(models.CodeUnsupportedURL), Message: err.Error(),
				})
			}
			continue
		}
		if parsed == nil {
			continue
		}
		total++
		if accepted >= s.cfg.InlineMaxAccepted {
			if len(detail.Errors) < models.MaxImportLineErrors {
				detail.Errors = append(detail.Errors, models.ImportLineError{
					Line: lineNo, Code: string(models.CodePayloadTooLarge),
					Message: fmt.Sprintf("accepted limit %d reached", s.cfg.InlineMaxAccepted),
				})
			}
			continue
		}
		accepted++

		originalURL := parsed.OriginalURL
		if originalURL == "" {
			// Stub URL; the hydration pass replaces it with the real source.
			originalURL = fmt.Sprintf("pixiv:%d", parsed.IllustID)
		}
		_, inserted, err := s.images.InsertStub(ctx, parsed.IllustID, parsed.PageIndex, parsed.Ext, originalURL, &imp.ID)
		if err != nil {
			return nil, err
		}
		if !inserted {
			deduped++
			continue
		}
		if !seenIllust[parsed.IllustID] {
			seenIllust[parsed.IllustID] = true
			newIllusts = append(newIllusts, parsed.IllustID)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan import body: %w", err)
	}

	if err := s.imports.SetCounts(ctx, imp.ID, total, accepted, deduped, detail); err != nil {
		return nil, err
	}
	imp, err = s.imports.FindByID(ctx, imp.ID)
	if err != nil {
		return nil, err
	}

	enqueued := 0
	for _, illustID := range newIllusts {
		payload, err := models.EncodePayload(models.HydratePayload{IllustID: illustID, Reason: "import"})
		if err != nil {
			return nil, err
		}
		if _, err := s.jobs.EnqueueUnique(ctx, models.JobTypeHydrateMetadata, payload, repository.EnqueueOptions{
			RefType: "import_hydrate",
			RefID:   illustID,
		}); err != nil {
			return nil, err
		}
		enqueued++
	}

	s.logger.Info("processed import",
		zap.Int64("import_id", imp.ID),
		zap.Int("total", total), zap.Int("accepted", accepted),
		zap.Int("deduped", deduped), zap.Int("enqueued", enqueued))
	return &ImportResult{Import: imp, EnqueuedJobs: enqueued}, nil
}

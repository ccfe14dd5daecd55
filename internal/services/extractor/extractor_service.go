package extractor

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/explico/internal/common"
	"github.com/ternarybob/explico/internal/models"
)

// Service is the browser-automation extractor. One Extract call owns one
// pooled browser end to end: login, NUP search, tree walk, document fetches.
type Service struct {
	cfg    *common.ExtractorConfig
	pool   *BrowserPool
	logger arbor.ILogger
}

// NewService builds the extractor. Browsers start on Warmup or on the first
// Extract, whichever comes first.
func NewService(cfg *common.Config, logger arbor.ILogger) *Service {
	return &Service{
		cfg:    &cfg.Extractor,
		pool:   NewBrowserPool(cfg.Extractor.PoolSize, cfg.Extractor.Headless, logger),
		logger: logger,
	}
}

// Warmup starts the browser pool ahead of the first job.
func (s *Service) Warmup(ctx context.Context) error {
	return s.pool.Init(ctx)
}

// Close tears the browser pool down.
func (s *Service) Close() error {
	return s.pool.Close()
}

// Extract pulls the full dump for one process. The caller bounds the run with
// its context deadline; individual navigations are additionally capped by the
// configured per-step timeout.
func (s *Service) Extract(ctx context.Context, nup, scope string) (*models.ProcessDump, error) {
	if s.cfg.BaseURL == "" {
		return nil, fmt.Errorf("extractor base_url is not configured")
	}
	if s.cfg.Username == "" || s.cfg.Password == "" {
		return nil, fmt.Errorf("extractor service account is not configured")
	}
	if err := s.pool.Init(ctx); err != nil {
		return nil, err
	}

	browserCtx, release, err := s.pool.Get(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	// Fresh tab per extraction; the session cookie lives browser-wide, so a
	// warm browser usually skips the login form.
	tabCtx, cancelTab := chromedp.NewContext(browserCtx)
	defer cancelTab()
	stop := context.AfterFunc(ctx, cancelTab)
	defer stop()
	if deadline, ok := ctx.Deadline(); ok {
		var cancelDeadline context.CancelFunc
		tabCtx, cancelDeadline = context.WithDeadline(tabCtx, deadline)
		defer cancelDeadline()
	}

	start := time.Now()
	s.logger.Info().
		Str("nup", nup).
		Str("scope", scope).
		Msg("Extraction started")

	if err := s.login(tabCtx); err != nil {
		return nil, err
	}
	if err := s.openProcess(tabCtx, nup); err != nil {
		return nil, err
	}

	treeHTML, err := s.frameHTML(tabCtx, selTreeFrame)
	if err != nil {
		return nil, fmt.Errorf("failed to read process tree: %w", err)
	}
	refs, err := parseTree(treeHTML)
	if err != nil {
		return nil, err
	}

	// The visualization pane shows the cover screen right after the search.
	cover := processCover{}
	if coverHTML, err := s.frameHTML(tabCtx, "#ifrVisualizacao"); err == nil {
		cover = parseCover(coverHTML)
	}

	docs, fetched := s.fetchDocuments(tabCtx, refs)
	if len(refs) > 0 && fetched == 0 {
		return nil, fmt.Errorf("%w: none of %d document bodies could be fetched", ErrStructure, len(refs))
	}

	dump := &models.ProcessDump{
		NUP:         nup,
		Scope:       scope,
		ProcessType: cover.ProcessType,
		Interested:  cover.Interested,
		CurrentUnit: cover.CurrentUnit,
		ExtractedAt: time.Now().UTC(),
		Documents:   docs,
	}

	s.logger.Info().
		Str("nup", nup).
		Int("documents", len(docs)).
		Int("fetched", fetched).
		Dur("duration", time.Since(start)).
		Msg("Extraction finished")

	return dump, nil
}

// navCtx caps one navigation step with the configured per-step timeout.
func (s *Service) navCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := time.Duration(s.cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return context.WithTimeout(ctx, timeout)
}

// login opens the platform and authenticates with the service account. A
// browser that still holds a live session skips the form entirely.
func (s *Service) login(ctx context.Context) error {
	navCtx, cancel := s.navCtx(ctx)
	defer cancel()

	if err := chromedp.Run(navCtx,
		chromedp.Navigate(s.cfg.BaseURL),
		chromedp.WaitVisible("body", chromedp.ByQuery),
	); err != nil {
		return fmt.Errorf("failed to open platform: %w", err)
	}

	var hasForm bool
	if err := chromedp.Run(navCtx,
		chromedp.Evaluate(fmt.Sprintf("document.querySelector(%q) !== null", selLoginForm), &hasForm),
	); err != nil {
		return fmt.Errorf("failed to inspect login page: %w", err)
	}
	if !hasForm {
		s.logger.Debug().Msg("Session still live, login skipped")
		return nil
	}

	if err := chromedp.Run(navCtx,
		chromedp.WaitVisible(selLoginUser, chromedp.ByQuery),
		chromedp.SendKeys(selLoginUser, s.cfg.Username, chromedp.ByQuery),
		chromedp.SendKeys(selLoginPass, s.cfg.Password, chromedp.ByQuery),
		chromedp.Click(selLoginSubmit, chromedp.ByQuery),
	); err != nil {
		return fmt.Errorf("login flow failed: %w", err)
	}

	// The platform either swaps to the main screen or re-renders the form
	// with a message. Poll until one of the two happens.
	checkJS := fmt.Sprintf(`({
		has_form: document.querySelector(%q) !== null,
		message: (document.querySelector(".infraMensagem, #divMensagem, .alert-danger") || {textContent: ""}).textContent.trim()
	})`, selLoginForm)

	for {
		var state struct {
			HasForm bool   `json:"has_form"`
			Message string `json:"message"`
		}
		if err := chromedp.Run(navCtx, chromedp.Evaluate(checkJS, &state)); err != nil {
			return fmt.Errorf("login did not complete: %w", err)
		}
		if !state.HasForm {
			s.logger.Debug().Msg("Login accepted")
			return nil
		}
		if state.Message != "" {
			return fmt.Errorf("%w: %s", ErrLoginRejected, state.Message)
		}

		select {
		case <-navCtx.Done():
			return fmt.Errorf("login did not complete: %w", navCtx.Err())
		case <-time.After(500 * time.Millisecond):
		}
	}
}

// openProcess runs the quick search for the NUP and waits for the tree frame.
func (s *Service) openProcess(ctx context.Context, nup string) error {
	navCtx, cancel := s.navCtx(ctx)
	defer cancel()

	if err := chromedp.Run(navCtx,
		chromedp.WaitVisible(selQuickSearch, chromedp.ByQuery),
		chromedp.SendKeys(selQuickSearch, nup+"\n", chromedp.ByQuery),
	); err != nil {
		return fmt.Errorf("%w: quick search field: %v", ErrStructure, err)
	}

	if err := chromedp.Run(navCtx,
		chromedp.WaitVisible(selTreeFrame, chromedp.ByQuery),
	); err != nil {
		return fmt.Errorf("%w: process tree frame after search: %v", ErrStructure, err)
	}
	return nil
}

// frameHTML returns the rendered markup of a same-origin frame, falling back
// to the top document when the frame is absent.
func (s *Service) frameHTML(ctx context.Context, frameSel string) (string, error) {
	navCtx, cancel := s.navCtx(ctx)
	defer cancel()

	js := fmt.Sprintf(`(() => {
		const f = document.querySelector(%q);
		if (f && f.contentDocument) { return f.contentDocument.documentElement.outerHTML; }
		return document.documentElement.outerHTML;
	})()`, frameSel)

	var html string
	if err := chromedp.Run(navCtx, chromedp.Evaluate(js, &html)); err != nil {
		return "", err
	}
	return html, nil
}

// fetchResult is the in-page fetch outcome for one document body.
type fetchResult struct {
	B64   string `json:"b64"`
	Type  string `json:"type"`
	Size  int    `json:"size"`
	Error string `json:"error"`
}

const fetchBodyJS = `(async () => {
	try {
		const res = await fetch(%q, {credentials: "include"});
		if (!res.ok) { return {error: "http " + res.status}; }
		const buf = await res.arrayBuffer();
		const bytes = new Uint8Array(buf);
		let bin = "";
		const chunk = 32768;
		for (let i = 0; i < bytes.length; i += chunk) {
			bin += String.fromCharCode.apply(null, bytes.subarray(i, i + chunk));
		}
		return {b64: btoa(bin), type: res.headers.get("content-type") || "", size: bytes.length};
	} catch (e) {
		return {error: String(e)};
	}
})()`

// fetchDocuments pulls every document body through the authenticated page
// context. Individual failures leave the document without a body rather than
// failing the run; the caller decides what a fully empty run means.
func (s *Service) fetchDocuments(ctx context.Context, refs []docRef) ([]models.RawDocument, int) {
	docs := make([]models.RawDocument, 0, len(refs))
	fetched := 0

	for _, ref := range refs {
		doc := models.RawDocument{
			Seq:     ref.Seq,
			Title:   ref.Title,
			DocType: ref.DocType,
			URL:     ref.Href,
		}

		result, err := s.fetchBody(ctx, ref.Href)
		switch {
		case err != nil:
			s.logger.Warn().
				Err(err).
				Int("seq", ref.Seq).
				Str("title", ref.Title).
				Msg("Document body fetch failed")
		case result.Error != "":
			s.logger.Warn().
				Str("error", result.Error).
				Int("seq", ref.Seq).
				Str("title", ref.Title).
				Msg("Document body fetch refused")
		default:
			s.fillBody(&doc, result)
			fetched++
		}

		docs = append(docs, doc)
	}
	return docs, fetched
}

func (s *Service) fetchBody(ctx context.Context, href string) (*fetchResult, error) {
	navCtx, cancel := s.navCtx(ctx)
	defer cancel()

	var result fetchResult
	err := chromedp.Run(navCtx, chromedp.Evaluate(
		fmt.Sprintf(fetchBodyJS, href),
		&result,
		func(p *runtime.EvaluateParams) *runtime.EvaluateParams {
			return p.WithAwaitPromise(true)
		},
	))
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// fillBody decodes a fetched body into the raw document, applying the
// per-document size cap. Oversized PDFs are dropped rather than truncated, a
// cut PDF being unreadable anyway; oversized HTML is cut at the cap.
func (s *Service) fillBody(doc *models.RawDocument, result *fetchResult) {
	mime := result.Type
	if i := strings.Index(mime, ";"); i >= 0 {
		mime = mime[:i]
	}
	doc.MimeType = strings.TrimSpace(mime)

	isPDF := doc.MimeType == "application/pdf" ||
		strings.HasSuffix(strings.ToLower(doc.URL), ".pdf")

	if isPDF {
		doc.MimeType = "application/pdf"
		if s.cfg.MaxDocBytes > 0 && result.Size > s.cfg.MaxDocBytes {
			doc.Truncated = true
			return
		}
		doc.PDFBase64 = result.B64
		return
	}

	raw, err := base64.StdEncoding.DecodeString(result.B64)
	if err != nil {
		s.logger.Warn().Err(err).Int("seq", doc.Seq).Msg("Document body decode failed")
		return
	}
	if doc.MimeType == "" {
		doc.MimeType = "text/html"
	}
	if s.cfg.MaxDocBytes > 0 && len(raw) > s.cfg.MaxDocBytes {
		raw = raw[:s.cfg.MaxDocBytes]
		doc.Truncated = true
	}
	doc.HTML = string(raw)
}

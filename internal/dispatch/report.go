package dispatch

import (
	"context"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"chatrelay/internal/domain"
	"chatrelay/internal/fsutil"
)

const (
	DefaultReportCommand  = "Jalankan Notebook!"
	DefaultReportCaption  = "Hasil Rekon dapat diakses melalui file berikut"
	DefaultReportFileName = "Rekon.html"

	reportTimeout = 5 * time.Minute
)

// ReportOptions configures the report command. An empty Command disables it.
type ReportOptions struct {
	Command  string
	Caption  string
	FileName string
	// RenderPDF sends the report as PDF when a Renderer is configured.
	RenderPDF bool
}

func (o *ReportOptions) applyDefaults() {
	o.Command = strings.TrimSpace(o.Command)
	if o.Caption == "" {
		o.Caption = DefaultReportCaption
	}
	if o.FileName == "" {
		o.FileName = DefaultReportFileName
	}
	o.FileName = filepath.Base(o.FileName)
}

func (o ReportOptions) matches(text string) bool {
	return o.Command != "" && strings.TrimSpace(text) == o.Command
}

// sendReport fetches the report, keeps a copy in the download directory and
// sends it back as a document quoting the request. Nothing is written to
// the conversation log.
func (d *Dispatcher) sendReport(ctx context.Context, sess domain.Session, evt domain.InboundEvent, log zerolog.Logger) error {
	rctx, cancel := context.WithTimeout(ctx, reportTimeout)
	defer cancel()

	start := time.Now()
	body, err := d.reports.FetchReport(rctx)
	d.observer.ReportFetched(time.Since(start), err)
	if err != nil {
		log.Error().Err(err).Msg("report generation failed")
		if sendErr := d.send(ctx, sess, evt.ChatID, domain.OutboundContent{Text: d.failureText}, domain.SendOptions{Quote: &evt}, SentFailure); sendErr != nil {
			log.Error().Err(sendErr).Msg("failed to send failure notice")
		}
		return err
	}

	doc := &domain.OutboundDocument{
		FileName: d.report.FileName,
		MimeType: "text/html",
		Caption:  d.report.Caption,
		Data:     body,
	}
	if d.report.RenderPDF && d.renderer != nil {
		if pdf, err := d.renderer.RenderPDF(rctx, body); err != nil {
			log.Warn().Err(err).Msg("pdf rendering failed, sending html")
		} else {
			doc.FileName = strings.TrimSuffix(doc.FileName, filepath.Ext(doc.FileName)) + ".pdf"
			doc.MimeType = "application/pdf"
			doc.Data = pdf
		}
	}

	path := filepath.Join(d.downloadDir, strings.ToLower(doc.FileName))
	if err := fsutil.WriteFileAtomic(path, doc.Data, 0o644); err != nil {
		// best effort; the document is still sent
		log.Warn().Err(&domain.StorageError{Op: "save report", Path: path, Err: err}).Msg("report not saved")
	}

	err = d.send(ctx, sess, evt.ChatID, domain.OutboundContent{Document: doc}, domain.SendOptions{Quote: &evt}, SentReport)
	if err != nil {
		log.Error().Err(err).Msg("failed to send report")
		return err
	}
	log.Info().Str("file_name", doc.FileName).Int("bytes", len(doc.Data)).Msg("report delivered")
	return nil
}

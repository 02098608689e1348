package jobservice

import (
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/syndtr/goleveldb/leveldb"

	"github.com/scenagent/mobiletaskctl/internal/reporting"
)

// downloadAliases maps short, stable artifact names to the run directory's
// actual on-disk layout, so clients never need to know where a given
// artifact lives inside a run.
var downloadAliases = map[string]string{
	"task_results": "task_results.json",
	"script":       "script.json",
	"infopool":     "infopool.json",
	"stdout":       "terminallog/stdout.log",
	"chat_log":     "chat/chat_log.jsonl",
}

// Router builds the gin engine exposing the Job Service's HTTP surface.
func (s *Service) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())

	v1 := r.Group("/api/v1")
	v1.POST("/run", s.handleRun)
	v1.POST("/stop/:job_id", s.handleStop)
	v1.GET("/status/:job_id", s.handleStatus)
	v1.GET("/download/:job_id/*file_path", s.handleDownload)
	v1.POST("/config", s.handleConfig)
	v1.POST("/upload", s.handleUpload)
	v1.POST("/upload/scenario", s.handleUploadScenario)
	v1.GET("/report", s.handleReport)
	return r
}

func (s *Service) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		s.log.Info().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Msg("request")
	}
}

func errResp(c *gin.Context, status int, msg string) {
	c.JSON(status, gin.H{"ok": false, "error": msg})
}

func okResp(c *gin.Context, data any) {
	c.JSON(http.StatusOK, gin.H{"ok": true, "data": data})
}

func (s *Service) handleRun(c *gin.Context) {
	var req RunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errResp(c, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}

	jobID, ok, existing := s.Submit(req)
	if !ok {
		if existing != "" {
			errResp(c, http.StatusConflict, "user already has a running job: "+existing)
			return
		}
		errResp(c, http.StatusServiceUnavailable, "job queue is full")
		return
	}

	okResp(c, gin.H{"job_id": jobID, "status": "queued"})
}

func (s *Service) handleStop(c *gin.Context) {
	jobID := c.Param("job_id")
	rec, err := s.Stop(jobID)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			errResp(c, http.StatusNotFound, "job_id not found")
			return
		}
		errResp(c, http.StatusInternalServerError, err.Error())
		return
	}
	okResp(c, rec)
}

func (s *Service) handleStatus(c *gin.Context) {
	jobID := c.Param("job_id")
	rec, err := s.Status(jobID)
	if err != nil {
		errResp(c, http.StatusNotFound, "job_id not found")
		return
	}
	okResp(c, rec)
}

func (s *Service) handleDownload(c *gin.Context) {
	jobID := c.Param("job_id")
	filePath := strings.TrimPrefix(c.Param("file_path"), "/")

	rec, err := s.jobs.Get(jobID)
	if err != nil {
		errResp(c, http.StatusNotFound, "job_id not found")
		return
	}
	if rec.RunDir == "" {
		errResp(c, http.StatusNotFound, "run_dir not available yet")
		return
	}

	baseDir, err := filepath.Abs(rec.RunDir)
	if err != nil {
		errResp(c, http.StatusInternalServerError, "invalid run_dir")
		return
	}
	if info, statErr := os.Stat(baseDir); statErr != nil || !info.IsDir() {
		errResp(c, http.StatusNotFound, "run_dir not found")
		return
	}

	if filePath == "latest_screenshot" {
		s.serveLatestScreenshot(c, baseDir)
		return
	}

	rel := filePath
	if alias, ok := downloadAliases[filePath]; ok {
		rel = alias
	}

	target := filepath.Join(baseDir, filepath.Clean("/"+rel))
	if !isWithinRoot(baseDir, target) {
		errResp(c, http.StatusForbidden, "access denied")
		return
	}
	if info, statErr := os.Stat(target); statErr != nil || info.IsDir() {
		errResp(c, http.StatusNotFound, "artifact not found")
		return
	}

	c.FileAttachment(target, filepath.Base(target))
}

func (s *Service) serveLatestScreenshot(c *gin.Context, baseDir string) {
	imagesDir := filepath.Join(baseDir, "images")
	entries, err := os.ReadDir(imagesDir)
	if err != nil {
		errResp(c, http.StatusNotFound, "no screenshots yet")
		return
	}
	var pngs []os.DirEntry
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".png") {
			pngs = append(pngs, e)
		}
	}
	if len(pngs) == 0 {
		errResp(c, http.StatusNotFound, "no screenshots yet")
		return
	}
	sort.Slice(pngs, func(i, j int) bool {
		ii, _ := pngs[i].Info()
		jj, _ := pngs[j].Info()
		if ii == nil || jj == nil {
			return pngs[i].Name() < pngs[j].Name()
		}
		return ii.ModTime().Before(jj.ModTime())
	})
	latest := pngs[len(pngs)-1]
	c.FileAttachment(filepath.Join(imagesDir, latest.Name()), latest.Name())
}

// handleReport aggregates every job's task_results.json into one CSV
// export, the non-Excel successor to the original ReportService's batch
// spreadsheet output. ?format=table returns the column-aligned terminal
// rendering instead.
func (s *Service) handleReport(c *gin.Context) {
	jobIDs, err := s.jobs.List()
	if err != nil {
		errResp(c, http.StatusInternalServerError, "list jobs: "+err.Error())
		return
	}
	rows := reporting.LoadAll(s.cfg.ArtifactRoot, jobIDs)

	if c.Query("format") == "table" {
		c.Status(http.StatusOK)
		c.Header("Content-Type", "text/plain; charset=utf-8")
		_ = reporting.RenderTable(c.Writer, rows)
		return
	}

	c.Header("Content-Type", "text/csv")
	c.Header("Content-Disposition", `attachment; filename="report.csv"`)
	c.Status(http.StatusOK)
	_ = reporting.WriteCSV(c.Writer, rows)
}

// isWithinRoot reports whether target resolves to a path under root,
// guarding every download against "../" escapes out of the run directory.
func isWithinRoot(root, target string) bool {
	rel, err := filepath.Rel(root, target)
	if err != nil {
		return false
	}
	return rel == "." || (!strings.HasPrefix(rel, "..") && !filepath.IsAbs(rel))
}

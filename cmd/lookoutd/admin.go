package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/nostr-net/lookup-moderator/engine"
	"github.com/nostr-net/lookup-moderator/ledger"

	"github.com/carlmjohnson/versioninfo"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/nbd-wtf/go-nostr"
	slogecho "github.com/samber/slog-echo"
)

func (s *Server) buildAdminHandler() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.Use(slogecho.New(s.logger))
	e.Use(middleware.Recover())
	e.Use(middleware.BodyLimit("64K"))
	e.HTTPErrorHandler = s.errorHandler

	e.GET("/_health", s.HandleHealthCheck)
	e.GET("/stats", s.HandleStats)
	e.GET("/check/:id", s.HandleCheckTarget)
	e.GET("/wot", s.HandleWotInfo)
	e.GET("/wot/member/:pubkey", s.HandleWotMember)
	e.POST("/wot/rebuild", s.HandleWotRebuild)

	return e
}

func (s *Server) errorHandler(err error, c echo.Context) {
	code := http.StatusInternalServerError
	errorMessage := "internal error"
	if he, ok := err.(*echo.HTTPError); ok {
		code = he.Code
		errorMessage = fmt.Sprintf("%s", he.Message)
	}
	if code >= 500 {
		slog.Warn("lookout-http-internal-error", "err", err)
	}
	if !c.Response().Committed {
		c.JSON(code, map[string]string{"error": errorMessage})
	}
}

type HealthStatus struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Message string `json:"msg,omitempty"`
}

func (s *Server) HandleHealthCheck(c echo.Context) error {
	ctx := c.Request().Context()
	if _, err := s.ledger.Stats(ctx); err != nil {
		s.logger.Error("healthcheck can't reach database", "err", err)
		return c.JSON(http.StatusInternalServerError, HealthStatus{Status: "error", Version: versioninfo.Short(), Message: "can't reach database"})
	}
	return c.JSON(http.StatusOK, HealthStatus{Status: "ok", Version: versioninfo.Short()})
}

type statsResponse struct {
	TotalReports      int64     `json:"totalReports"`
	DistinctTargets   int64     `json:"distinctTargets"`
	DistinctReporters int64     `json:"distinctReporters"`
	ActedTargets      int64     `json:"actedTargets"`
	WotMembers        int       `json:"wotMembers"`
	WotVersion        int64     `json:"wotVersion"`
	WotBuiltAt        time.Time `json:"wotBuiltAt"`
}

func (s *Server) HandleStats(c echo.Context) error {
	stats, err := s.engine.Stats(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "collecting stats failed")
	}
	return c.JSON(http.StatusOK, statsResponse{
		TotalReports:      stats.Ledger.TotalReports,
		DistinctTargets:   stats.Ledger.DistinctTargets,
		DistinctReporters: stats.Ledger.DistinctReporters,
		ActedTargets:      stats.Ledger.ActedTargets,
		WotMembers:        stats.WotSize,
		WotVersion:        stats.WotVersion,
		WotBuiltAt:        stats.WotBuiltAt,
	})
}

type checkReason struct {
	Category  string `json:"category"`
	Count     int    `json:"count"`
	Threshold int    `json:"threshold"`
}

type checkStatus struct {
	Acted       bool       `json:"acted"`
	ActedAt     *time.Time `json:"actedAt,omitempty"`
	Attempts    int        `json:"attempts"`
	LastError   string     `json:"lastError,omitempty"`
	TriggeredAt *time.Time `json:"triggeredAt,omitempty"`
	Reason      string     `json:"reason,omitempty"`
}

type checkResponse struct {
	Target      string                  `json:"target"`
	Triggered   bool                    `json:"triggered"`
	Summary     string                  `json:"summary"`
	Reporters   int                     `json:"trustedReporters"`
	PerCategory map[ledger.Category]int `json:"perCategory"`
	Reasons     []checkReason           `json:"reasons,omitempty"`
	Status      *checkStatus            `json:"status,omitempty"`
}

func (s *Server) HandleCheckTarget(c echo.Context) error {
	target := c.Param("id")
	if !nostr.IsValid32ByteHex(target) {
		return echo.NewHTTPError(http.StatusBadRequest, "target must be a 64-char hex event ID")
	}

	verdict, status, err := s.engine.CheckTarget(c.Request().Context(), target)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "target evaluation failed")
	}
	return c.JSON(http.StatusOK, newCheckResponse(verdict, status))
}

func newCheckResponse(verdict *engine.Verdict, status *ledger.TargetStatus) checkResponse {
	resp := checkResponse{
		Target:      verdict.Target,
		Triggered:   verdict.Triggered,
		Summary:     verdict.Summary(),
		Reporters:   verdict.Tally.Total,
		PerCategory: verdict.Tally.PerCategory,
	}
	for _, r := range verdict.Reasons {
		resp.Reasons = append(resp.Reasons, checkReason{
			Category:  r.Category.String(),
			Count:     r.Count,
			Threshold: r.Threshold,
		})
	}
	if status != nil {
		resp.Status = &checkStatus{
			Acted:       status.Acted,
			ActedAt:     status.ActedAt,
			Attempts:    status.Attempts,
			LastError:   status.LastError,
			TriggeredAt: status.TriggeredAt,
			Reason:      status.Reason,
		}
	}
	return resp
}

type wotInfoResponse struct {
	Version int64     `json:"version"`
	Root    string    `json:"root"`
	Depth   int       `json:"depth"`
	Members int       `json:"members"`
	BuiltAt time.Time `json:"builtAt"`
	AgeSecs int64     `json:"ageSecs"`
}

func (s *Server) HandleWotInfo(c echo.Context) error {
	snap := s.engine.Trust.Current()
	return c.JSON(http.StatusOK, wotInfoResponse{
		Version: snap.Version(),
		Root:    snap.Root(),
		Depth:   snap.Depth(),
		Members: snap.Size(),
		BuiltAt: snap.BuiltAt(),
		AgeSecs: int64(snap.Age().Seconds()),
	})
}

type wotMemberResponse struct {
	Pubkey string `json:"pubkey"`
	Member bool   `json:"member"`
	Hop    int    `json:"hop"`
}

func (s *Server) HandleWotMember(c echo.Context) error {
	pubkey := c.Param("pubkey")
	if !nostr.IsValid32ByteHex(pubkey) {
		return echo.NewHTTPError(http.StatusBadRequest, "pubkey must be 64-char hex")
	}
	snap := s.engine.Trust.Current()
	return c.JSON(http.StatusOK, wotMemberResponse{
		Pubkey: pubkey,
		Member: snap.Contains(pubkey),
		Hop:    snap.Hop(pubkey),
	})
}

// HandleWotRebuild kicks a crawl in the background; builds are serialized
// by the builder itself, so duplicate requests just queue behind the lock.
func (s *Server) HandleWotRebuild(c echo.Context) error {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
		defer cancel()
		if err := s.builder.Rebuild(ctx); err != nil {
			s.logger.Error("requested trust graph rebuild failed", "err", err)
		}
	}()
	return c.JSON(http.StatusAccepted, map[string]string{"status": "rebuild started"})
}

package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/crypto/bcrypt"

	"presence/internal/auth"
	"presence/internal/config"
	"presence/internal/credential"
	"presence/internal/directory"
	"presence/internal/httpmiddleware"
	"presence/internal/ledger"
	"presence/internal/metrics"
	"presence/internal/notify"
	"presence/internal/queue"
	"presence/internal/request"
	"presence/internal/selfmark"
	"presence/internal/store"
	"presence/internal/window"
)

func main() {
	cfg := config.Load()

	if cfg.Env == "production" || cfg.Env == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := runHTTP(cfg); err != nil {
		log.Fatalf("http server failed: %v", err)
	}
}

func runHTTP(cfg config.App) error {
	db, err := store.NewDB(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	redisClient := store.NewRedis(cfg.RedisAddr)

	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		q = queue.NewInMemory(64)
	} else {
		q = queue.NewRedisQueue(redisClient.Client, cfg.NotifyQueueKey)
	}

	dir := directory.NewRepository(db.Client)
	authRepo := auth.NewRepository(db.Client)
	ledgerRepo := ledger.NewRepository(db.Client)
	ledgerSvc := ledger.NewService(ledgerRepo)
	windowSvc := window.NewService(window.NewRepository(db.Client))
	requestSvc := request.NewService(request.NewRepository(db.Client, ledgerRepo), dir)
	credSvc := credential.NewService(credential.NewRepository(db.Client))
	notifySvc := notify.NewService(notify.NewRepository(db.Client), q)
	gateway := selfmark.NewGateway(credSvc, dir, windowSvc, ledgerSvc)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/metrics"},
	}))
	r.Use(corsMiddleware())
	r.Use(securityHeaders())
	r.Use(httpmiddleware.NewSimpleTokenBucket(cfg.RateLimitPerMin, cfg.RateLimitPerMin).GinMiddleware())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/healthz", func(c *gin.Context) {
		redisHealthy := redisClient.Healthy(c.Request.Context())
		dbHealthy := db.Client.PingContext(c.Request.Context()) == nil
		status := http.StatusOK
		if !redisHealthy || !dbHealthy {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"status": "ok", "redis": redisHealthy, "db": dbHealthy})
	})

	r.POST("/v1/login/teacher", func(c *gin.Context) {
		var req struct {
			Username string `json:"username" binding:"required"`
			Password string `json:"password" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		teacher, err := dir.TeacherByUsername(c.Request.Context(), req.Username)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "login failed"})
			return
		}
		if teacher == nil || bcrypt.CompareHashAndPassword([]byte(teacher.Password), []byte(req.Password)) != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
			return
		}

		tokens, err := auth.Issue(teacher.ID, auth.RoleTeacher, teacher.Name, cfg.JWTIssuer, cfg.JWTSigningKey, cfg.AccessTTL, cfg.RefreshTTL)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "token issue failed"})
			return
		}
		_ = authRepo.SaveRefreshToken(c.Request.Context(), teacher.ID, tokens.RefreshToken, tokens.RefreshExp)

		c.JSON(http.StatusOK, gin.H{
			"access_token":  tokens.AccessToken,
			"refresh_token": tokens.RefreshToken,
			"expires_at":    tokens.AccessExp.Unix(),
			"teacher":       gin.H{"id": teacher.ID, "name": teacher.Name},
		})
	})

	r.POST("/v1/login/student", func(c *gin.Context) {
		var req struct {
			Username string `json:"username" binding:"required"`
			Password string `json:"password" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		token, cred, err := credSvc.Login(c.Request.Context(), req.Username, req.Password)
		if err != nil {
			if errors.Is(err, credential.ErrBadLogin) {
				c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "login failed"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"token": token, "student_id": cred.StudentID})
	})

	// Teacher endpoints.
	teacherGroup := r.Group("/v1", auth.TeacherAuth(cfg.JWTSigningKey, cfg.JWTIssuer))

	teacherGroup.POST("/attendance/mark", func(c *gin.Context) {
		var req struct {
			StudentQR string `json:"student_qr" binding:"required"`
			ClassQR   string `json:"class_qr" binding:"required"`
			IsPresent *bool  `json:"is_present"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		present := true
		if req.IsPresent != nil {
			present = *req.IsPresent
		}

		student, classroom, ok := resolvePair(c, dir, req.StudentQR, req.ClassQR)
		if !ok {
			return
		}

		rec, created, err := ledgerSvc.Record(c.Request.Context(), student.ID, classroom.ID, c.GetString("teacher_id"), present, nil, false)
		if err != nil {
			metrics.Admissions.WithLabelValues("direct", "error").Inc()
			c.JSON(http.StatusInternalServerError, gin.H{"error": "attendance write failed"})
			return
		}
		metrics.Admissions.WithLabelValues("direct", "admitted").Inc()
		c.JSON(createdStatus(created), gin.H{"attendance": rec, "created": created})
	})

	teacherGroup.POST("/attendance/mark-absence", func(c *gin.Context) {
		var req struct {
			StudentQR string `json:"student_qr" binding:"required"`
			ClassQR   string `json:"class_qr" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		student, classroom, ok := resolvePair(c, dir, req.StudentQR, req.ClassQR)
		if !ok {
			return
		}

		rec, created, err := ledgerSvc.MarkAbsent(c.Request.Context(), student.ID, classroom.ID, c.GetString("teacher_id"))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "attendance write failed"})
			return
		}
		c.JSON(createdStatus(created), gin.H{"attendance": rec, "created": created})
	})

	teacherGroup.GET("/requests/pending", func(c *gin.Context) {
		reqs, err := requestSvc.PendingForTeacher(c.Request.Context(), c.GetString("teacher_id"))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"requests": reqs})
	})

	teacherGroup.POST("/requests/:id/approve", func(c *gin.Context) {
		req, err := requestSvc.Approve(c.Request.Context(), c.Param("id"), c.GetString("teacher_id"))
		if err != nil {
			metrics.Admissions.WithLabelValues("approval", approvalOutcome(err)).Inc()
			writeRequestError(c, err)
			return
		}
		metrics.Admissions.WithLabelValues("approval", "admitted").Inc()
		c.JSON(http.StatusOK, gin.H{"request": req})
	})

	teacherGroup.POST("/requests/:id/deny", func(c *gin.Context) {
		req, err := requestSvc.Deny(c.Request.Context(), c.Param("id"), c.GetString("teacher_id"))
		if err != nil {
			writeRequestError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"request": req})
	})

	teacherGroup.POST("/self-window/open", func(c *gin.Context) {
		var req struct {
			ClassQR string `json:"class_qr" binding:"required"`
			Minutes int    `json:"minutes"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		classroom, err := dir.ClassroomByQR(c.Request.Context(), req.ClassQR)
		if err != nil || classroom == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "classroom not found"})
			return
		}

		win, displaced, err := windowSvc.Open(c.Request.Context(), classroom.ID, c.GetString("teacher_id"), req.Minutes)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		metrics.WindowsOpened.Inc()
		c.JSON(http.StatusCreated, gin.H{"expires_at": win.ExpiresAt, "displaced": displaced})
	})

	teacherGroup.POST("/self-window/close", func(c *gin.Context) {
		var req struct {
			ClassQR string `json:"class_qr" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		classroom, err := dir.ClassroomByQR(c.Request.Context(), req.ClassQR)
		if err != nil || classroom == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "classroom not found"})
			return
		}

		closed, err := windowSvc.Close(c.Request.Context(), classroom.ID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"closed": closed})
	})

	teacherGroup.POST("/notifications/daily-absence", func(c *gin.Context) {
		var req struct {
			AbsentStudentIDs []string `json:"absent_student_ids" binding:"required"`
			ClassroomName    string   `json:"classroom_name"`
			Date             string   `json:"date"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		var sent []gin.H
		for _, studentID := range req.AbsentStudentIDs {
			student, err := dir.StudentByID(c.Request.Context(), studentID)
			if err != nil || student == nil {
				continue
			}
			parents, err := dir.ParentIDsOfStudent(c.Request.Context(), studentID)
			if err != nil {
				continue
			}
			for _, parentID := range parents {
				n, created, err := notifySvc.CreateDailyAbsence(c.Request.Context(), studentID, parentID, student.Name, req.ClassroomName, req.Date)
				if err != nil {
					continue
				}
				sent = append(sent, gin.H{"notification_id": n.ID, "student_id": studentID, "parent_id": parentID, "created": created})
			}
		}
		c.JSON(http.StatusOK, gin.H{"notifications": sent, "count": len(sent)})
	})

	// Student endpoints, authenticated by opaque bearer tokens.
	r.POST("/v1/requests", func(c *gin.Context) {
		var body struct {
			ClassQR  string         `json:"class_qr" binding:"required"`
			Method   string         `json:"method" binding:"required"`
			Lat      *float64       `json:"lat"`
			Lng      *float64       `json:"lng"`
			Metadata map[string]any `json:"metadata"`
		}
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		cred, err := credSvc.Resolve(c.Request.Context(), auth.BearerToken(c))
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		classroom, err := dir.ClassroomByQR(c.Request.Context(), body.ClassQR)
		if err != nil || classroom == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "classroom not found"})
			return
		}

		var loc *ledger.Location
		if body.Lat != nil && body.Lng != nil {
			loc = &ledger.Location{Lat: *body.Lat, Lng: *body.Lng}
		}
		req, created, err := requestSvc.Create(c.Request.Context(), cred.StudentID, classroom.ID, request.Method(body.Method), loc, body.Metadata)
		if err != nil {
			switch {
			case errors.Is(err, request.ErrOutsideGeofence):
				c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
			case errors.Is(err, request.ErrInvalidMethod):
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			default:
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			}
			return
		}
		c.JSON(createdStatus(created), gin.H{"request": req, "created": created})
	})

	r.GET("/v1/self-mark/status", func(c *gin.Context) {
		st, err := gateway.StatusFor(c.Request.Context(), auth.BearerToken(c), c.Query("class_qr"))
		if err != nil {
			writeSelfMarkError(c, err)
			return
		}
		c.JSON(http.StatusOK, st)
	})

	r.POST("/v1/self-mark", func(c *gin.Context) {
		var body struct {
			ClassQR string   `json:"class_qr" binding:"required"`
			Lat     *float64 `json:"lat"`
			Lng     *float64 `json:"lng"`
		}
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		rec, err := gateway.Mark(c.Request.Context(), auth.BearerToken(c), body.ClassQR, body.Lat, body.Lng)
		if err != nil {
			metrics.Admissions.WithLabelValues("self_mark", selfMarkOutcome(err)).Inc()
			writeSelfMarkError(c, err)
			return
		}
		metrics.Admissions.WithLabelValues("self_mark", "admitted").Inc()
		c.JSON(http.StatusOK, gin.H{"attendance": rec})
	})

	// Parent endpoints.
	r.GET("/v1/parents/:id/notifications", func(c *gin.Context) {
		notifications, err := notifySvc.ListForParent(c.Request.Context(), c.Param("id"))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"notifications": notifications})
	})

	r.PATCH("/v1/notifications/:id/read", func(c *gin.Context) {
		n, err := notifySvc.MarkRead(c.Request.Context(), c.Param("id"))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if n == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "notification not found"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"notification": n})
	})

	r.PATCH("/v1/parents/:id/notifications/read-all", func(c *gin.Context) {
		updated, err := notifySvc.MarkAllRead(c.Request.Context(), c.Param("id"))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"updated": updated})
	})

	// Graceful shutdown
	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("Starting server on :%s", cfg.HTTPPort)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced shutdown: %v", err)
	}

	log.Println("Server exited")
	return nil
}

// resolvePair maps student and classroom QR codes to entities, writing the
// 404 itself when either is unknown.
func resolvePair(c *gin.Context, dir *directory.Repository, studentQR, classQR string) (*directory.Student, *directory.Classroom, bool) {
	student, err := dir.StudentByQR(c.Request.Context(), studentQR)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return nil, nil, false
	}
	if student == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "student not found"})
		return nil, nil, false
	}
	classroom, err := dir.ClassroomByQR(c.Request.Context(), classQR)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return nil, nil, false
	}
	if classroom == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "classroom not found"})
		return nil, nil, false
	}
	return student, classroom, true
}

func createdStatus(created bool) int {
	if created {
		return http.StatusCreated
	}
	return http.StatusOK
}

func writeRequestError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, request.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, request.ErrInvalidStatus), errors.Is(err, request.ErrExpired), errors.Is(err, request.ErrApprovalFailed):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func approvalOutcome(err error) string {
	switch {
	case errors.Is(err, request.ErrApprovalFailed),
		errors.Is(err, request.ErrExpired),
		errors.Is(err, request.ErrNotFound),
		errors.Is(err, request.ErrInvalidStatus):
		return "rejected"
	default:
		return "error"
	}
}

func writeSelfMarkError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, selfmark.ErrInvalidToken):
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
	case errors.Is(err, selfmark.ErrClassroomNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, selfmark.ErrStudentNoClass),
		errors.Is(err, selfmark.ErrWrongClass),
		errors.Is(err, selfmark.ErrNoActiveWindow),
		errors.Is(err, selfmark.ErrOutsideGeofence):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func selfMarkOutcome(err error) string {
	switch {
	case errors.Is(err, selfmark.ErrInvalidToken),
		errors.Is(err, selfmark.ErrStudentNoClass),
		errors.Is(err, selfmark.ErrClassroomNotFound),
		errors.Is(err, selfmark.ErrWrongClass),
		errors.Is(err, selfmark.ErrNoActiveWindow),
		errors.Is(err, selfmark.ErrOutsideGeofence):
		return "rejected"
	default:
		return "error"
	}
}

// CORS middleware for browser requests
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}

		c.Header("Access-Control-Allow-Origin", origin)
		c.Header("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization")
		c.Header("Access-Control-Allow-Credentials", "true")
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// Security headers middleware
func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("X-XSS-Protection", "1; mode=block")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")

		if gin.Mode() == gin.ReleaseMode {
			c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		c.Next()
	}
}

package handler

import (
	"context"
	"net/http"
	"strconv"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/rl1809/commerce-core/internal/core/domain"
	"github.com/rl1809/commerce-core/internal/core/service"
	"github.com/rl1809/commerce-core/internal/port"
)

const (
	defaultListLimit = 10
	maxListLimit     = 100
	maxBodyBytes     = 1 << 20

	idempotencyHeader = "Idempotency-Key"
)

type OrderUseCases interface {
	CreateOrder(ctx context.Context, cmd service.CreateOrderCommand) (*domain.Order, error)
	ProcessPayment(ctx context.Context, orderID, userID string) (*domain.Order, error)
	CancelOrder(ctx context.Context, orderID, userID, reason string) error
}

type CouponUseCases interface {
	RegisterCoupon(ctx context.Context, cmd service.RegisterCouponCommand) (*domain.Coupon, error)
	TryIssue(ctx context.Context, userID, code string) (domain.CouponIssueResult, error)
	ResetCoupon(ctx context.Context, code string) error
	RemainingStock(ctx context.Context, code string) (int, error)
	TopWaitingUsers(ctx context.Context, code string, n int) ([]domain.WaitingQueueEntry, error)
	RemoveFromWaitingQueue(ctx context.Context, code, userID string) error
}

type HTTPHandler struct {
	orders  OrderUseCases
	coupons CouponUseCases
	ranking port.RankingStore
	log     logrus.FieldLogger
}

func NewHTTPHandler(orders OrderUseCases, coupons CouponUseCases, ranking port.RankingStore, log logrus.FieldLogger) *HTTPHandler {
	return &HTTPHandler{
		orders:  orders,
		coupons: coupons,
		ranking: ranking,
		log:     log.WithField("component", "http"),
	}
}

func (h *HTTPHandler) Router() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/health", h.HealthCheck).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	r.HandleFunc("/api/coupons", h.RegisterCoupon).Methods(http.MethodPost)
	r.HandleFunc("/api/coupons/{code}/issue", h.IssueCoupon).Methods(http.MethodPost)
	r.HandleFunc("/api/coupons/{code}/reset", h.ResetCoupon).Methods(http.MethodPost)
	r.HandleFunc("/api/coupons/{code}/stock", h.CouponStock).Methods(http.MethodGet)
	r.HandleFunc("/api/coupons/{code}/waiting", h.WaitingUsers).Methods(http.MethodGet)
	r.HandleFunc("/api/coupons/{code}/waiting/{userID}", h.RemoveWaitingUser).Methods(http.MethodDelete)
	r.HandleFunc("/api/orders", h.CreateOrder).Methods(http.MethodPost)
	r.HandleFunc("/api/orders/{orderID}/payment", h.ProcessPayment).Methods(http.MethodPost)
	r.HandleFunc("/api/orders/{orderID}/cancel", h.CancelOrder).Methods(http.MethodPost)
	r.HandleFunc("/api/products/ranking", h.ProductRanking).Methods(http.MethodGet)

	return h.logMiddleware(r)
}

func (h *HTTPHandler) logMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		h.log.WithFields(logrus.Fields{
			"method":     r.Method,
			"url":        r.URL.String(),
			"remoteAddr": r.RemoteAddr,
			"userAgent":  r.UserAgent(),
			"status":     rec.status,
			"duration":   time.Since(start),
		}).Info("request served")
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (h *HTTPHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *HTTPHandler) RegisterCoupon(w http.ResponseWriter, r *http.Request) {
	var req RegisterCouponHTTPRequest
	if !h.decode(w, r, &req) {
		return
	}
	coupon, err := h.coupons.RegisterCoupon(r.Context(), req.command())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newCouponResponse(coupon))
}

func (h *HTTPHandler) IssueCoupon(w http.ResponseWriter, r *http.Request) {
	var req UserHTTPRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.coupons.TryIssue(r.Context(), req.UserID, mux.Vars(r)["code"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, issueStatus(res), IssueResponse{Status: res.Status, CouponID: res.CouponID, Reason: res.Reason})
}

func issueStatus(res domain.CouponIssueResult) int {
	if res.Succeeded() {
		return http.StatusOK
	}
	switch res.Reason {
	case domain.IssueSoldOut:
		return http.StatusGone
	case domain.IssueAlreadyIssued:
		return http.StatusConflict
	default:
		return http.StatusServiceUnavailable
	}
}

func (h *HTTPHandler) ResetCoupon(w http.ResponseWriter, r *http.Request) {
	if err := h.coupons.ResetCoupon(r.Context(), mux.Vars(r)["code"]); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *HTTPHandler) CouponStock(w http.ResponseWriter, r *http.Request) {
	code := mux.Vars(r)["code"]
	remaining, err := h.coupons.RemainingStock(r.Context(), code)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, StockResponse{Code: code, Remaining: remaining})
}

func (h *HTTPHandler) WaitingUsers(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	entries, err := h.coupons.TopWaitingUsers(r.Context(), mux.Vars(r)["code"], limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	out := make([]WaitingEntryResponse, len(entries))
	for i, e := range entries {
		out[i] = WaitingEntryResponse{UserID: e.UserID, EnqueuedAt: e.EnqueuedAt}
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *HTTPHandler) RemoveWaitingUser(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := h.coupons.RemoveFromWaitingQueue(r.Context(), vars["code"], vars["userID"]); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *HTTPHandler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var req CreateOrderHTTPRequest
	if !h.decode(w, r, &req) {
		return
	}
	order, err := h.orders.CreateOrder(r.Context(), req.command(r.Header.Get(idempotencyHeader)))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newOrderResponse(order))
}

func (h *HTTPHandler) ProcessPayment(w http.ResponseWriter, r *http.Request) {
	var req UserHTTPRequest
	if !h.decode(w, r, &req) {
		return
	}
	order, err := h.orders.ProcessPayment(r.Context(), mux.Vars(r)["orderID"], req.UserID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newOrderResponse(order))
}

// CancelOrder is a plain user cancel. Failure reasons only come from the saga.
func (h *HTTPHandler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	var req UserHTTPRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.orders.CancelOrder(r.Context(), mux.Vars(r)["orderID"], req.UserID, ""); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *HTTPHandler) ProductRanking(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	ranks, err := h.ranking.TopProducts(r.Context(), limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	out := make([]ProductRankResponse, len(ranks))
	for i, rank := range ranks {
		out[i] = ProductRankResponse{ProductID: rank.ProductID, Sales: rank.Sales}
	}
	writeJSON(w, http.StatusOK, out)
}

var errBadRequest = errors.New("bad request")

func parseLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultListLimit, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 1 || limit > maxListLimit {
		return 0, errors.Wrapf(errBadRequest, "limit must be between 1 and %d", maxListLimit)
	}
	return limit, nil
}

// decode reads and validates the body, answering 400 itself when it cannot.
func (h *HTTPHandler) decode(w http.ResponseWriter, r *http.Request, dst validation.Validatable) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
		return false
	}
	if err := dst.Validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return false
	}
	return true
}

func (h *HTTPHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := httpStatus(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		h.log.WithError(err).WithFields(logrus.Fields{"method": r.Method, "url": r.URL.String()}).Error("request failed")
		message = "internal error"
	}
	writeJSON(w, status, ErrorResponse{Error: message})
}

func httpStatus(err error) int {
	var verrs validation.Errors
	switch {
	case errors.As(err, &verrs),
		errors.Is(err, errBadRequest),
		errors.Is(err, domain.ErrInvalidOrder),
		errors.Is(err, domain.ErrInvalidCouponCode),
		errors.Is(err, domain.ErrInvalidAmount):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrOrderOwnership):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrOrderNotFound),
		errors.Is(err, domain.ErrCouponNotFound),
		errors.Is(err, domain.ErrInventoryNotFound),
		errors.Is(err, domain.ErrAccountNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrLockAcquisitionFailed),
		errors.Is(err, domain.ErrDuplicateRequest),
		errors.Is(err, domain.ErrInvalidOrderStatus),
		errors.Is(err, domain.ErrCouponExists):
		return http.StatusConflict
	case errors.Is(err, domain.ErrInsufficientBalance),
		errors.Is(err, domain.ErrInsufficientStock),
		errors.Is(err, domain.ErrCouponNotUsable):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

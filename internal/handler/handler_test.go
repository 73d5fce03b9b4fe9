package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"coupon/internal/model"
	"coupon/internal/service/catalog"
	"coupon/pkg/utils"
)

// MockIssuanceService mock issuance service
type MockIssuanceService struct {
	mock.Mock
}

func (m *MockIssuanceService) IssueSync(ctx context.Context, couponID, userID uint64) (*model.UserCoupon, error) {
	args := m.Called(ctx, couponID, userID)
	grant, _ := args.Get(0).(*model.UserCoupon)
	return grant, args.Error(1)
}

func (m *MockIssuanceService) RequestAsync(ctx context.Context, couponID, userID uint64) (*model.IssuanceRequest, error) {
	args := m.Called(ctx, couponID, userID)
	req, _ := args.Get(0).(*model.IssuanceRequest)
	return req, args.Error(1)
}

func (m *MockIssuanceService) GetStatus(ctx context.Context, requestID string) (*model.IssuanceRequest, error) {
	args := m.Called(ctx, requestID)
	req, _ := args.Get(0).(*model.IssuanceRequest)
	return req, args.Error(1)
}

func (m *MockIssuanceService) QueueSize(ctx context.Context) (int64, error) {
	args := m.Called(ctx)
	return args.Get(0).(int64), args.Error(1)
}

// MockCatalogService mock catalog service
type MockCatalogService struct {
	mock.Mock
}

func (m *MockCatalogService) CreateCoupon(ctx context.Context, req *catalog.CreateCouponRequest) (*catalog.CouponView, error) {
	args := m.Called(ctx, req)
	v, _ := args.Get(0).(*catalog.CouponView)
	return v, args.Error(1)
}

func (m *MockCatalogService) BulkCreate(ctx context.Context, reqs []*catalog.CreateCouponRequest) ([]*catalog.CouponView, error) {
	args := m.Called(ctx, reqs)
	v, _ := args.Get(0).([]*catalog.CouponView)
	return v, args.Error(1)
}

func (m *MockCatalogService) GetCoupon(ctx context.Context, id uint64) (*catalog.CouponView, error) {
	args := m.Called(ctx, id)
	v, _ := args.Get(0).(*catalog.CouponView)
	return v, args.Error(1)
}

func (m *MockCatalogService) ListAvailable(ctx context.Context) ([]*catalog.CouponView, error) {
	args := m.Called(ctx)
	v, _ := args.Get(0).([]*catalog.CouponView)
	return v, args.Error(1)
}

func (m *MockCatalogService) ListUserCoupons(ctx context.Context, userID uint64) ([]*model.UserCoupon, error) {
	args := m.Called(ctx, userID)
	v, _ := args.Get(0).([]*model.UserCoupon)
	return v, args.Error(1)
}

func (m *MockCatalogService) ListAvailableUserCoupons(ctx context.Context, userID uint64) ([]*model.UserCoupon, error) {
	args := m.Called(ctx, userID)
	v, _ := args.Get(0).([]*model.UserCoupon)
	return v, args.Error(1)
}

type envelope struct {
	Code    int             `json:"code"`
	Error   string          `json:"error"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func newRouter(issue *IssueHandler, coupons *CouponHandler) *gin.Engine {
	gin.SetMode(gin.TestMode)
	utils.RegisterJSONFieldNames()

	r := gin.New()
	v1 := r.Group("/api/v1")
	if issue != nil {
		v1.POST("/coupons/:id/issue", issue.IssueSync)
		v1.POST("/coupons/async/issue", issue.IssueAsync)
		v1.GET("/coupons/async/status/:requestId", issue.GetStatus)
		v1.GET("/coupons/async/system/status", issue.SystemStatus)
	}
	if coupons != nil {
		v1.GET("/coupons/available", coupons.ListAvailable)
		v1.GET("/coupons/:id", coupons.GetCoupon)
		v1.GET("/users/:userId/coupons", coupons.ListUserCoupons)
		v1.GET("/users/:userId/coupons/available", coupons.ListAvailableUserCoupons)
		v1.POST("/admin/coupons", coupons.CreateCoupon)
		v1.POST("/admin/coupons/bulk", coupons.BulkCreate)
	}
	return r
}

func do(t *testing.T, r http.Handler, method, path string, body interface{}) (*httptest.ResponseRecorder, envelope) {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	var env envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	return w, env
}

func TestIssueHandler_IssueSync(t *testing.T) {
	issuedAt := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("granted", func(t *testing.T) {
		svc := new(MockIssuanceService)
		r := newRouter(NewIssueHandler(svc), nil)
		svc.On("IssueSync", mock.Anything, uint64(7), uint64(42)).Return(&model.UserCoupon{
			ID: 99, UserID: 42, CouponID: 7, Status: model.UserCouponStatusAvailable, IssuedAt: issuedAt,
		}, nil)

		w, env := do(t, r, http.MethodPost, "/api/v1/coupons/7/issue", map[string]interface{}{"userId": 42})
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, 0, env.Code)

		var grant model.UserCoupon
		require.NoError(t, json.Unmarshal(env.Data, &grant))
		assert.Equal(t, uint64(99), grant.ID)
		svc.AssertExpectations(t)
	})

	errorCases := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"exhausted", utils.ErrCouponExhausted, http.StatusConflict, "COUPON_EXHAUSTED"},
		{"expired", utils.ErrCouponExpired, http.StatusGone, "COUPON_EXPIRED"},
		{"not found", utils.ErrCouponNotFound, http.StatusNotFound, "COUPON_NOT_FOUND"},
		{"already issued", utils.ErrCouponAlreadyIssued, http.StatusConflict, "COUPON_ALREADY_ISSUED"},
		{"lock timeout", utils.WrapError(errors.New("lock timeout"), utils.CodeConflict, "retry"), http.StatusConflict, "CONFLICT"},
		{"unknown", errors.New("boom"), http.StatusInternalServerError, "INTERNAL_ERROR"},
	}
	for _, tc := range errorCases {
		t.Run(tc.name, func(t *testing.T) {
			svc := new(MockIssuanceService)
			r := newRouter(NewIssueHandler(svc), nil)
			svc.On("IssueSync", mock.Anything, uint64(7), uint64(42)).Return(nil, tc.err)

			w, env := do(t, r, http.MethodPost, "/api/v1/coupons/7/issue", map[string]interface{}{"userId": 42})
			assert.Equal(t, tc.status, w.Code)
			assert.Equal(t, tc.code, env.Error)
		})
	}

	t.Run("invalid input", func(t *testing.T) {
		svc := new(MockIssuanceService)
		r := newRouter(NewIssueHandler(svc), nil)

		w, env := do(t, r, http.MethodPost, "/api/v1/coupons/abc/issue", map[string]interface{}{"userId": 42})
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, "INVALID_PARAMETER", env.Error)

		w, env = do(t, r, http.MethodPost, "/api/v1/coupons/7/issue", map[string]interface{}{})
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Contains(t, env.Message, "userId")
		svc.AssertNotCalled(t, "IssueSync", mock.Anything, mock.Anything, mock.Anything)
	})
}

func TestIssueHandler_IssueAsync(t *testing.T) {
	svc := new(MockIssuanceService)
	r := newRouter(NewIssueHandler(svc), nil)
	requestedAt := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	svc.On("RequestAsync", mock.Anything, uint64(3), uint64(4)).Return(&model.IssuanceRequest{
		RequestID:   "req-1",
		CouponID:    3,
		UserID:      4,
		Status:      model.RequestStatusPending,
		Message:     model.MessagePending,
		RequestedAt: requestedAt,
	}, nil)

	w, env := do(t, r, http.MethodPost, "/api/v1/coupons/async/issue", map[string]interface{}{"couponId": 3, "userId": 4})
	assert.Equal(t, http.StatusAccepted, w.Code)

	var resp AsyncIssueResponse
	require.NoError(t, json.Unmarshal(env.Data, &resp))
	assert.Equal(t, "req-1", resp.RequestID)
	assert.Equal(t, model.RequestStatusPending, resp.Status)
	assert.Equal(t, model.MessagePending, resp.Message)
	assert.True(t, resp.RequestedAt.Equal(requestedAt))

	w, env = do(t, r, http.MethodPost, "/api/v1/coupons/async/issue", map[string]interface{}{"userId": 4})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, env.Message, "couponId")
}

func TestIssueHandler_GetStatus(t *testing.T) {
	svc := new(MockIssuanceService)
	r := newRouter(NewIssueHandler(svc), nil)

	grantID := uint64(55)
	svc.On("GetStatus", mock.Anything, "req-1").Return(&model.IssuanceRequest{
		RequestID: "req-1",
		Status:    model.RequestStatusCompleted,
		Message:   model.MessageCompleted,
		GrantID:   &grantID,
	}, nil)
	svc.On("GetStatus", mock.Anything, "missing").Return(nil, utils.ErrRequestNotFound)

	w, env := do(t, r, http.MethodGet, "/api/v1/coupons/async/status/req-1", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	var got model.IssuanceRequest
	require.NoError(t, json.Unmarshal(env.Data, &got))
	assert.Equal(t, model.RequestStatusCompleted, got.Status)
	require.NotNil(t, got.GrantID)
	assert.Equal(t, grantID, *got.GrantID)

	w, env = do(t, r, http.MethodGet, "/api/v1/coupons/async/status/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "REQUEST_NOT_FOUND", env.Error)
}

func TestIssueHandler_SystemStatus(t *testing.T) {
	t.Run("healthy", func(t *testing.T) {
		svc := new(MockIssuanceService)
		svc.On("QueueSize", mock.Anything).Return(int64(12), nil)

		_, env := do(t, newRouter(NewIssueHandler(svc), nil), http.MethodGet, "/api/v1/coupons/async/system/status", nil)
		var got SystemStatusResponse
		require.NoError(t, json.Unmarshal(env.Data, &got))
		assert.Equal(t, int64(12), got.QueueSize)
		assert.Equal(t, HealthOK, got.SystemHealth)
	})

	t.Run("redis down", func(t *testing.T) {
		svc := new(MockIssuanceService)
		svc.On("QueueSize", mock.Anything).Return(int64(0), utils.ErrRedisError)

		_, env := do(t, newRouter(NewIssueHandler(svc), nil), http.MethodGet, "/api/v1/coupons/async/system/status", nil)
		var got SystemStatusResponse
		require.NoError(t, json.Unmarshal(env.Data, &got))
		assert.Equal(t, HealthError, got.SystemHealth)
		assert.Equal(t, "redis error", got.Error)
	})
}

func TestCouponHandler_Reads(t *testing.T) {
	svc := new(MockCatalogService)
	r := newRouter(nil, NewCouponHandler(svc))

	coupon := &catalog.CouponView{
		Coupon:            &model.Coupon{ID: 7, Name: "Spring sale", TotalQuantity: 10, IssuedQuantity: 4},
		RemainingQuantity: 6,
	}
	svc.On("GetCoupon", mock.Anything, uint64(7)).Return(coupon, nil)
	svc.On("GetCoupon", mock.Anything, uint64(8)).Return(nil, utils.ErrCouponNotFound)
	svc.On("ListAvailable", mock.Anything).Return([]*catalog.CouponView{coupon}, nil)
	svc.On("ListUserCoupons", mock.Anything, uint64(42)).Return([]*model.UserCoupon{{ID: 1}, {ID: 2}}, nil)
	svc.On("ListAvailableUserCoupons", mock.Anything, uint64(42)).Return([]*model.UserCoupon{{ID: 1}}, nil)

	w, env := do(t, r, http.MethodGet, "/api/v1/coupons/7", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	var got map[string]interface{}
	require.NoError(t, json.Unmarshal(env.Data, &got))
	assert.Equal(t, "Spring sale", got["name"])
	assert.EqualValues(t, 6, got["remainingQuantity"])

	w, _ = do(t, r, http.MethodGet, "/api/v1/coupons/8", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w, env = do(t, r, http.MethodGet, "/api/v1/coupons/available", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	var list []map[string]interface{}
	require.NoError(t, json.Unmarshal(env.Data, &list))
	assert.Len(t, list, 1)

	_, env = do(t, r, http.MethodGet, "/api/v1/users/42/coupons", nil)
	var grants []model.UserCoupon
	require.NoError(t, json.Unmarshal(env.Data, &grants))
	assert.Len(t, grants, 2)

	_, env = do(t, r, http.MethodGet, "/api/v1/users/42/coupons/available", nil)
	require.NoError(t, json.Unmarshal(env.Data, &grants))
	assert.Len(t, grants, 1)

	w, _ = do(t, r, http.MethodGet, "/api/v1/users/0/coupons", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCouponHandler_Create(t *testing.T) {
	expiredAt := time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)
	body := map[string]interface{}{
		"name":          "Spring sale",
		"discountType":  "FIXED",
		"discountValue": 500,
		"totalQuantity": 100,
		"expiredAt":     expiredAt,
	}

	t.Run("single", func(t *testing.T) {
		svc := new(MockCatalogService)
		r := newRouter(nil, NewCouponHandler(svc))
		svc.On("CreateCoupon", mock.Anything, mock.MatchedBy(func(req *catalog.CreateCouponRequest) bool {
			return req.Name == "Spring sale" && req.TotalQuantity == 100 && req.ExpiredAt.Equal(expiredAt)
		})).Return(&catalog.CouponView{Coupon: &model.Coupon{ID: 1}, RemainingQuantity: 100}, nil)

		w, _ := do(t, r, http.MethodPost, "/api/v1/admin/coupons", body)
		assert.Equal(t, http.StatusOK, w.Code)
		svc.AssertExpectations(t)
	})

	t.Run("binding failure", func(t *testing.T) {
		svc := new(MockCatalogService)
		r := newRouter(nil, NewCouponHandler(svc))

		w, env := do(t, r, http.MethodPost, "/api/v1/admin/coupons", map[string]interface{}{"name": "x"})
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, "INVALID_PARAMETER", env.Error)
	})

	t.Run("service validation", func(t *testing.T) {
		svc := new(MockCatalogService)
		r := newRouter(nil, NewCouponHandler(svc))
		svc.On("CreateCoupon", mock.Anything, mock.Anything).
			Return(nil, utils.NewError(utils.CodeInvalidParam, "expiredAt must be in the future"))

		w, env := do(t, r, http.MethodPost, "/api/v1/admin/coupons", body)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, "expiredAt must be in the future", env.Message)
	})

	t.Run("bulk", func(t *testing.T) {
		svc := new(MockCatalogService)
		r := newRouter(nil, NewCouponHandler(svc))
		svc.On("BulkCreate", mock.Anything, mock.MatchedBy(func(reqs []*catalog.CreateCouponRequest) bool {
			return len(reqs) == 2
		})).Return([]*catalog.CouponView{{Coupon: &model.Coupon{ID: 1}}, {Coupon: &model.Coupon{ID: 2}}}, nil)

		w, env := do(t, r, http.MethodPost, "/api/v1/admin/coupons/bulk", map[string]interface{}{
			"coupons": []interface{}{body, body},
		})
		assert.Equal(t, http.StatusOK, w.Code)
		var got map[string]interface{}
		require.NoError(t, json.Unmarshal(env.Data, &got))
		assert.EqualValues(t, 2, got["count"])

		w, _ = do(t, r, http.MethodPost, "/api/v1/admin/coupons/bulk", map[string]interface{}{"coupons": []interface{}{}})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

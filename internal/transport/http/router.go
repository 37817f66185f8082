package http

import (
	"github.com/gin-gonic/gin"
	"github.com/richardliu001/rgs-wallet-gateway/internal/ratelimit"
	"github.com/richardliu001/rgs-wallet-gateway/internal/security"
	"github.com/richardliu001/rgs-wallet-gateway/internal/service"
	"go.uber.org/zap"
)

func NewRouter(svc *service.WalletService, signer *security.Signer, limiter ratelimit.Limiter, log *zap.SugaredLogger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(CorrelationIDMiddleware())
	r.Use(LoggingMiddleware(log))
	RegisterHandlers(r, svc, signer, limiter, log)
	return r
}

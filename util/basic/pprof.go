package basic

import (
	"fmt"
	"github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"io"
	"log"
	"net/http"
)

// StartPProfServe 启用pprof分析, 供长时间扫描任务的性能诊断.
// 地址: http://ip:port/api/v1/pprof/.
func StartPProfServe(port int) {
	gin.DisableConsoleColor()
	gin.SetMode(gin.ReleaseMode)
	gin.DefaultWriter = io.Discard
	endpoint := fmt.Sprintf(":%d", port)

	r := gin.New()
	r.Use(gin.Recovery())
	pprof.Register(r)
	apiv1 := r.Group("/api/v1")
	pprof.RouteRegister(apiv1, "pprof")

	srv := &http.Server{
		Addr:    endpoint,
		Handler: r,
	}
	if err := srv.ListenAndServe(); err != nil {
		log.Fatalf("pprof serve ERR=%v", err)
	}
}

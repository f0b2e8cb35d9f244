/*
Copyright 2024 Sendbridge Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package api

import (
	"github.com/gin-gonic/gin"

	"github.com/sendbridge/sendbridge"
	"github.com/sendbridge/sendbridge/api/middleware"
	"github.com/sendbridge/sendbridge/config"
)

type Api struct {
	service *sendbridge.Sendbridge
	router  *gin.Engine
}

// Router registers the routes. Provider webhooks stay outside the secret-key
// guard; providers authenticate with payload signatures.
func (a Api) Router() *gin.Engine {
	router := a.router
	router.POST("/webhooks/:provider", a.IngestWebhook)

	conf, err := config.Fetch()
	operator := router.Group("/")
	if err == nil && conf.Server.Secure {
		operator.Use(middleware.SecretKeyAuthMiddleware())
	}

	operator.POST("/wallets", a.CreateWallet)
	operator.GET("/wallets/:id", a.GetWallet)
	operator.GET("/owners/:owner_id/wallets/:currency", a.GetOwnerWallet)
	operator.GET("/owners/:owner_id/transactions", a.GetOwnerTransactions)
	operator.GET("/transactions/:id", a.GetTransaction)
	operator.POST("/adjustments", a.CreateAdjustment)
	operator.GET("/webhook-events/:external_id", a.GetWebhookEvent)

	return a.router
}

func NewAPI(service *sendbridge.Sendbridge) *Api {
	gin.SetMode(gin.ReleaseMode)
	r := gin.Default()

	r.GET("/", func(c *gin.Context) {
		c.JSON(200, "server running...")
	})

	return &Api{service: service, router: r}
}

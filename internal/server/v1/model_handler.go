package v1

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/nkamura/llm-gateway/internal/gateway"
	"github.com/nkamura/llm-gateway/pkg/api"
)

type ModelHandler struct {
	service gateway.Service
}

func NewModelHandler(service gateway.Service) *ModelHandler {
	return &ModelHandler{service: service}
}

// ListModels handles GET /v1/models from the registry's cached view of
// the upstream listing. An empty list simply means the upstream has
// never been reachable; that is not an error here.
func (h *ModelHandler) ListModels(c *gin.Context) {
	ids := h.service.ListModels(c.Request.Context())

	data := make([]api.Model, 0, len(ids))
	for _, id := range ids {
		data = append(data, api.Model{ID: id, Object: "model"})
	}

	c.JSON(http.StatusOK, api.ModelList{Object: "list", Data: data})
}

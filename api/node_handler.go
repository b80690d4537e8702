package api

import (
	"github.com/gofiber/fiber/v2"

	"github.com/chronoq/chronoq/cluster"
)

func (a *API) listNodes(c *fiber.Ctx) error {
	nodes, err := a.eng.Store().ListNodes(c.Context())
	if err != nil {
		return err
	}
	if nodes == nil {
		nodes = []*cluster.Node{}
	}
	return c.JSON(nodes)
}

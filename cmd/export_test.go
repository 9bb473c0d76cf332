package cmd

import "context"

var NewCommand = newCommand

type Option = option

func (c *command) ExecuteContext(ctx context.Context) error {
	return c.root.ExecuteContext(ctx)
}

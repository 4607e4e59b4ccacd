package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/mschirtzinger/feedsync/internal/reconcile"
	"github.com/mschirtzinger/feedsync/internal/ui"
)

var chainCmd = &cobra.Command{
	Use:     "chain",
	GroupID: "sync",
	Short:   "Manage sync chain membership",
	Long: `A sync chain is the set of devices that share read state. Every device
of a chain holds the chain's sync code and secret key; read marks are
sealed with the secret key so the sync server only relays opaque data.`,
}

var chainCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a new chain with this device as its first member",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(false)
		if err != nil {
			return err
		}
		defer a.Close()

		name := deviceName(cmd)
		remote, err := a.engine.CreateChain(cmd.Context(), name)
		if err != nil {
			return chainError(err)
		}

		fmt.Printf("%s Created sync chain on %s\n\n", ui.RenderPass("✓"), remote.URL)
		fmt.Print(ui.RenderKV([]ui.KV{
			{Key: "Sync code", Value: ui.RenderBold(remote.SyncCode)},
			{Key: "Secret key", Value: ui.RenderBold(remote.SecretKey)},
			{Key: "Device", Value: fmt.Sprintf("%s (#%d)", remote.DeviceName, remote.DeviceID)},
		}))
		fmt.Printf("\nJoin other devices with:\n  feedsync chain join --code %s\n", remote.SyncCode)
		fmt.Printf("%s\n", ui.RenderMuted("Keep the secret key private: it decrypts the chain's read marks."))
		return nil
	},
}

var chainJoinCmd = &cobra.Command{
	Use:   "join",
	Short: "Join an existing chain",
	Long: `Join an existing chain with its sync code and secret key.

Missing values are prompted for when running in a terminal.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		code, _ := cmd.Flags().GetString("code")
		secret, _ := cmd.Flags().GetString("secret")
		if secret == "" {
			secret = os.Getenv("FEEDSYNC_SECRET_KEY")
		}

		if code == "" || secret == "" {
			if !term.IsTerminal(int(os.Stdin.Fd())) {
				return fmt.Errorf("--code and --secret are required when not running in a terminal")
			}
			form := huh.NewForm(huh.NewGroup(
				huh.NewInput().Title("Sync code").Value(&code).Validate(notBlank("sync code")),
				huh.NewInput().Title("Secret key").EchoMode(huh.EchoModePassword).Value(&secret).Validate(notBlank("secret key")),
			))
			if err := form.Run(); err != nil {
				return fmt.Errorf("prompt cancelled: %w", err)
			}
		}

		a, err := openApp(false)
		if err != nil {
			return err
		}
		defer a.Close()

		remote, err := a.engine.JoinChain(cmd.Context(), code, secret, deviceName(cmd))
		if err != nil {
			return chainError(err)
		}
		fmt.Printf("%s Joined chain %s as %s (#%d)\n", ui.RenderPass("✓"), remote.SyncCode, remote.DeviceName, remote.DeviceID)
		fmt.Printf("   Run 'feedsync sync run' to pull read marks from the other devices\n")
		return nil
	},
}

var chainLeaveCmd = &cobra.Command{
	Use:   "leave",
	Short: "Leave the chain and forget its credentials",
	RunE: func(cmd *cobra.Command, args []string) error {
		yes, _ := cmd.Flags().GetBool("yes")
		if !yes && term.IsTerminal(int(os.Stdin.Fd())) {
			var ok bool
			confirm := huh.NewConfirm().
				Title("Leave the sync chain?").
				Description("Unsent read marks stay on this device but will not reach the chain.").
				Value(&ok)
			if err := confirm.Run(); err != nil || !ok {
				fmt.Println("Aborted")
				return nil
			}
		}

		a, err := openApp(false)
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.engine.LeaveChain(cmd.Context()); err != nil {
			return chainError(err)
		}
		fmt.Printf("%s Left the sync chain\n", ui.RenderPass("✓"))
		return nil
	},
}

var chainDevicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List the chain's devices",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(false)
		if err != nil {
			return err
		}
		defer a.Close()
		ctx := cmd.Context()

		devices, err := a.engine.RefreshDevices(ctx)
		if err != nil {
			return chainError(err)
		}
		if ok, err := structuredOutput(cmd, devices); ok {
			return err
		}

		remote, err := a.store.GetSyncRemote(ctx)
		if err != nil {
			return err
		}
		rows := make([][]string, 0, len(devices))
		for _, d := range devices {
			marker := ""
			if d.DeviceID == remote.DeviceID {
				marker = ui.RenderAccent("this device")
			}
			rows = append(rows, []string{strconv.FormatInt(d.DeviceID, 10), d.DeviceName, marker})
		}
		fmt.Print(ui.RenderTable([]string{"ID", "NAME", ""}, rows))
		return nil
	},
}

var chainRemoveDeviceCmd = &cobra.Command{
	Use:   "remove-device <device-id>",
	Short: "Remove a device from the chain",
	Long: `Remove a device from the chain. The removed device is signed out on its
next sync. Removing this device is the same as 'feedsync chain leave'.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid device id %q", args[0])
		}

		a, err := openApp(false)
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.engine.RemoveDevice(cmd.Context(), id); err != nil {
			return chainError(err)
		}
		fmt.Printf("%s Removed device #%d\n", ui.RenderPass("✓"), id)
		return nil
	},
}

func deviceName(cmd *cobra.Command) string {
	if name, _ := cmd.Flags().GetString("name"); name != "" {
		return name
	}
	return cfg.Sync.DeviceName
}

func notBlank(what string) func(string) error {
	return func(s string) error {
		if s == "" {
			return fmt.Errorf("%s is required", what)
		}
		return nil
	}
}

// chainError adds a hint to errors the user can act on.
func chainError(err error) error {
	switch {
	case errors.Is(err, reconcile.ErrAlreadyConfigured):
		return fmt.Errorf("%w (run 'feedsync chain leave' first)", err)
	case errors.Is(err, reconcile.ErrNotConfigured):
		return fmt.Errorf("%w (run 'feedsync chain create' or 'feedsync chain join')", err)
	case errors.Is(err, reconcile.ErrReauthRequired):
		return fmt.Errorf("%w (this device is no longer a member; join again)", err)
	}
	return err
}

func init() {
	chainCreateCmd.Flags().String("name", "", "device name (default: sync.device_name)")
	chainJoinCmd.Flags().String("name", "", "device name (default: sync.device_name)")
	chainJoinCmd.Flags().String("code", "", "sync code of the chain")
	chainJoinCmd.Flags().String("secret", "", "secret key of the chain (or FEEDSYNC_SECRET_KEY)")
	chainLeaveCmd.Flags().BoolP("yes", "y", false, "do not ask for confirmation")
	addOutputFlag(chainDevicesCmd)

	chainCmd.AddCommand(chainCreateCmd, chainJoinCmd, chainLeaveCmd, chainDevicesCmd, chainRemoveDeviceCmd)
	rootCmd.AddCommand(chainCmd)
}

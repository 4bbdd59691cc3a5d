// Copyright (C) 2019 Nicola Murino
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.

package cmd

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/passman/passman/internal/config"
	"github.com/passman/passman/internal/logger"
	"github.com/passman/passman/internal/util"
	"github.com/passman/passman/internal/vault"
)

var initVaultCmd = &cobra.Command{
	Use:   "initvault",
	Short: "Create a new encrypted vault",
	Long: `Interactively asks for the master password and creates a new, empty
vault file. The command fails if a vault already exists at the configured
path`,
	Run: func(_ *cobra.Command, _ []string) {
		logger.InitStdErrLogger(zerolog.WarnLevel)
		configDir = util.CleanDirInput(configDir)
		if err := config.LoadConfig(configDir, configFile); err != nil {
			fmt.Printf("unable to load configuration: %v\n", err)
			os.Exit(1)
		}
		password, err := readMasterPassword()
		if err != nil {
			fmt.Printf("%v\n", err)
			os.Exit(1)
		}
		vaultConf := config.GetVaultConfig()
		v := vault.New(vault.Config{
			Path:               vaultConf.Path,
			KDFParams:          vaultConf.KDF,
			MinPasswordEntropy: vaultConf.PasswordValidation,
		})
		if err := v.Create(password); err != nil {
			fmt.Printf("unable to create the vault: %v\n", err)
			os.Exit(1)
		}
		v.Lock()
		fmt.Printf("vault created at %q\n", vaultConf.Path)
	},
}

func init() {
	rootCmd.AddCommand(initVaultCmd)
	addConfigFlags(initVaultCmd)
}

func readMasterPassword() (string, error) {
	fmt.Print("Master password: ")
	password, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println("")
	if err != nil {
		return "", fmt.Errorf("unable to read password: %w", err)
	}
	fmt.Print("Confirm master password: ")
	confirmation, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println("")
	if err != nil {
		return "", fmt.Errorf("unable to read password confirmation: %w", err)
	}
	if string(password) != string(confirmation) {
		return "", fmt.Errorf("passwords do not match")
	}
	if len(password) == 0 {
		return "", fmt.Errorf("the password cannot be empty")
	}
	return string(password), nil
}

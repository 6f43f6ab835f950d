package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/pedolone/consent-service/internal/model"
	"github.com/pedolone/consent-service/internal/tokenizer"
	"github.com/pedolone/consent-service/internal/utils"
)

// defaultContractFile is the on-disk shape of the process-wide contract.
// JSON documents parse as YAML.
type defaultContractFile struct {
	ContractID       string             `yaml:"contract_id"`
	ContractName     string             `yaml:"contract_name"`
	ContractType     string             `yaml:"contract_type"`
	OrganizationID   string             `yaml:"organization_id"`
	OrganizationName string             `yaml:"organization_name"`
	RetentionWindow  string             `yaml:"retention_window"`
	ResourcesAllowed model.ResourceList `yaml:"resources_allowed"`
}

// LoadDefaultContract reads the contract applied to direct individual
// shares.
func LoadDefaultContract(path string) (*model.Contract, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("default contract: %w", err)
	}
	return ParseDefaultContract(b)
}

// ParseDefaultContract decodes and normalizes a default contract document.
// Legacy flat resource lists inherit the contract retention window.
func ParseDefaultContract(b []byte) (*model.Contract, error) {
	var f defaultContractFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("default contract: %w", err)
	}
	if f.ContractID == "" || f.OrganizationName == "" {
		return nil, errors.New("default contract: contract_id and organization_name are required")
	}
	if len(f.ResourcesAllowed) == 0 {
		return nil, errors.New("default contract: resources_allowed is empty")
	}
	c := &model.Contract{
		ContractID:       f.ContractID,
		ContractName:     f.ContractName,
		ContractType:     f.ContractType,
		TargetOrgID:      f.OrganizationID,
		TargetOrgName:    f.OrganizationName,
		ResourcesAllowed: f.ResourcesAllowed,
		RetentionWindow:  f.RetentionWindow,
		Status:           model.ContractActive,
		ApprovalStatus:   model.ApprovalApproved,
		Version:          model.InitialContractVersion,
	}
	if c.ContractName == "" {
		c.ContractName = c.ContractID
	}
	c.Normalize()
	for i := range c.ResourcesAllowed {
		r := &c.ResourcesAllowed[i]
		if !tokenizer.Supported(r.ResourceName) {
			return nil, fmt.Errorf("default contract: unsupported resource %q", r.ResourceName)
		}
		window, err := utils.CanonicalRetentionWindow(r.RetentionWindow)
		if err != nil {
			return nil, fmt.Errorf("default contract: %s: %w", r.ResourceName, err)
		}
		r.RetentionWindow = window
		r.Purpose = trimAll(r.Purpose)
	}
	return c, nil
}

func trimAll(in []string) []string {
	var out []string
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

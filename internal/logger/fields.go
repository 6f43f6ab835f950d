package logger

import "go.uber.org/zap"

// Field helpers keep key names consistent across packages.

func RequestID(v string) zap.Field { return zap.String("request_id", v) }

func UserID(v uint64) zap.Field { return zap.Uint64("user_id", v) }

func OrgID(v string) zap.Field { return zap.String("org_id", v) }

func ContractID(v string) zap.Field { return zap.String("contract_id", v) }

func RequestRef(v string) zap.Field { return zap.String("data_request_id", v) }

func Resource(v string) zap.Field { return zap.String("resource", v) }

func Op(v string) zap.Field { return zap.String("op", v) }

func Component(v string) zap.Field { return zap.String("component", v) }

func Err(err error) zap.Field { return zap.Error(err) }
